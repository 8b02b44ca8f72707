package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// CLI is the kong root command: exactly one of Boot or Probe runs per
// invocation, dispatched by Parse in runs.go.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Boot a kernel image under this hypervisor."`
	Probe ProbeCMD `cmd:"" help:"Probe the host's /dev/kvm capabilities and exit."`
}

// BootCMD is the "boot" subcommand's argument set. MemSize and
// TraceCount stay strings (parsed by ParseSize in runs.go) so a bare
// flag.CLI{} zero value round-trips through kong's own default-value
// machinery instead of needing a custom kong.Mapper.
type BootCMD struct {
	Dev        string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel     string `short:"k" default:"./bzImage" help:"kernel image path"`
	Initrd     string `short:"i" default:"" help:"initrd path"`
	Params     string `short:"p" default:"" help:"kernel command-line parameters"`
	TapIfName  string `short:"t" default:"" help:"name of tap interface; empty means no tap interface is created"`
	Disk       string `short:"d" default:"" help:"path of disk file (for /dev/vda)"`
	NCPUs      int    `short:"c" default:"1" help:"number of cpus"`
	MemSize    string `short:"m" default:"1G" help:"memory size: as number[gGmMkK], defaults to G"`
	TraceCount string `short:"T" default:"0" help:"print a trace line once every this many VM exits; 0 disables tracing"`
	Debug      bool   `short:"v" default:"false" help:"panic instead of parking on a vmcheck consistency violation"`
}

// ProbeCMD is the "probe" subcommand's argument set; it takes none.
type ProbeCMD struct{}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
