package cli

import (
	"flag"
	"strings"
)

const (
	defaultHelpDesc    = "Show help"
	defaultVersionDesc = "Print version and exit"
)

type HelpVersionFlags struct {
	Help    bool
	Version bool
}

func AddHelpVersionFlags(fs *flag.FlagSet, helpDesc, versionDesc string) *HelpVersionFlags {
	if fs == nil {
		return &HelpVersionFlags{}
	}
	if helpDesc == "" {
		helpDesc = defaultHelpDesc
	}
	if versionDesc == "" {
		versionDesc = defaultVersionDesc
	}
	flags := &HelpVersionFlags{}
	fs.BoolVar(&flags.Help, "help", false, helpDesc)
	fs.BoolVar(&flags.Help, "h", false, helpDesc)
	fs.BoolVar(&flags.Version, "version", false, versionDesc)
	fs.BoolVar(&flags.Version, "v", false, versionDesc)
	return flags
}

// StringList is a repeatable flag. Each occurrence may also carry a comma
// separated list.
type StringList []string

func (list *StringList) String() string {
	if list == nil {
		return ""
	}
	return strings.Join(*list, ",")
}

func (list *StringList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*list = append(*list, part)
		}
	}
	return nil
}

// SetFlags returns the names of flags given explicitly on the command line.
func SetFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	if fs == nil {
		return set
	}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}
