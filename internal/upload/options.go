package upload

import (
	"fmt"
	"strings"
)

const (
	// OptionBackupExistingFile keeps the displaced destination as <path><suffix>.
	OptionBackupExistingFile = "BackupExistingFile"

	unlinkBackupSuffix = "_orig"
)

// Request describes a transfer as announced by the sender.
type Request struct {
	Path        string
	Hash        uint64
	Size        uint64
	TotalChunks uint64
	Options     Options
}

// Options are the sender-supplied registration options.
type Options struct {
	// BackupSuffix, when set, retains an existing destination under
	// <path><BackupSuffix> instead of deleting it after install.
	BackupSuffix string
}

// ParseOptions converts "Name=value" option strings into Options.
func ParseOptions(raw []string) (Options, error) {
	var opts Options
	for _, item := range raw {
		name, value, _ := strings.Cut(item, "=")
		switch name {
		case OptionBackupExistingFile:
			if value == "" {
				return opts, fmt.Errorf("%w: %s requires a suffix", ErrUnknownOption, name)
			}
			opts.BackupSuffix = value
		default:
			return opts, fmt.Errorf("%w: %q", ErrUnknownOption, name)
		}
	}
	return opts, nil
}

// Strings is the inverse of ParseOptions.
func (o Options) Strings() []string {
	if o.BackupSuffix == "" {
		return nil
	}
	return []string{OptionBackupExistingFile + "=" + o.BackupSuffix}
}

// ReplaceKind selects how an existing destination is displaced during install.
type ReplaceKind int

const (
	ReplaceUnlink ReplaceKind = iota
	ReplaceBackup
)

// ReplaceStrategy is fixed at registration.
type ReplaceStrategy struct {
	Kind   ReplaceKind
	Suffix string
}

func (o Options) strategy() ReplaceStrategy {
	if o.BackupSuffix != "" {
		return ReplaceStrategy{Kind: ReplaceBackup, Suffix: o.BackupSuffix}
	}
	return ReplaceStrategy{Kind: ReplaceUnlink, Suffix: unlinkBackupSuffix}
}

func (r ReplaceStrategy) String() string {
	if r.Kind == ReplaceBackup {
		return "backup(" + r.Suffix + ")"
	}
	return "unlink"
}
