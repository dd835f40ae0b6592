package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"openenterprise/bootswap"
	"openenterprise/bootswap/flash"
)

// runLocal dispatches the "local" subcommand family, which drives
// bootswap's public API directly against a flat flash-image file instead
// of a running device — useful for CI and for inspecting a captured image
// offline.
func runLocal(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bootswap-cli local <dump|decide|confirm|pending> [flags]")
	}

	fs := pflag.NewFlagSet("local", pflag.ContinueOnError)
	image := fs.String("image", "", "path to the flat flash image file (required)")
	layoutPath := fs.String("layout", "", "optional bootswap.hjson layout file (default: reference board layout)")
	index := fs.Int("index", 0, "image pair index")
	permanent := fs.Bool("permanent", false, "pending: install permanently instead of one-shot test")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *image == "" {
		return fmt.Errorf("local: --image is required")
	}

	lf, err := loadLayout(*layoutPath)
	if err != nil {
		return err
	}
	// lf.Align is both the image file's actual write granularity and, for
	// this offline tool, the fixed trailer layout constant bootswap uses to
	// compute offsets. A layout file whose align exceeds bootswap's default
	// (8, sized for the reference board) must move both together.
	bootswap.MaxAlign = lf.Align

	regions := make([]Region, len(lf.Regions))
	copy(regions, lf.Regions)

	opener, err := OpenFileOpener(*image, regions, lf.Align, lf.Erased)
	if err != nil {
		return err
	}
	engine := bootswap.NewEngine(opener, lf.pairTable())

	switch args[0] {
	case "dump":
		return localDump(engine, lf, *index)
	case "decide":
		st := engine.SwapTypeMulti(*index)
		fmt.Println(st.String())
		return nil
	case "confirm":
		if err := engine.SetConfirmedMulti(*index); err != nil {
			return fmt.Errorf("confirm: %w", err)
		}
		fmt.Println("confirmed")
		return nil
	case "pending":
		if err := engine.SetPendingMulti(*index, *permanent); err != nil {
			return fmt.Errorf("pending: %w", err)
		}
		fmt.Println("pending")
		return nil
	default:
		return fmt.Errorf("local: unknown subcommand %q", args[0])
	}
}

// localDump prints the decoded trailer of both slots in the pair, plus the
// engine's swap-type decision over them.
func localDump(engine *bootswap.Engine, lf layoutFile, index int) error {
	pair, err := lf.pairTable().Resolve(index)
	if err != nil {
		return err
	}

	primary, err := bootswap.ReadSwapStateByID(engine.Opener, pair.Primary)
	if err != nil {
		return fmt.Errorf("dump: read primary: %w", err)
	}
	secondary, err := readSecondaryOrEmpty(engine.Opener, pair.Secondary)
	if err != nil {
		return fmt.Errorf("dump: read secondary: %w", err)
	}

	fmt.Printf("pair %d: primary=area%d secondary=area%d\n", index, pair.Primary, pair.Secondary)
	dumpSlot("primary  ", primary)
	dumpSlot("secondary", secondary)
	fmt.Printf("decision: %s\n", engine.SwapTypeMulti(index).String())
	return nil
}

func readSecondaryOrEmpty(opener flash.Opener, id int) (bootswap.SwapState, error) {
	state, err := bootswap.ReadSwapStateByID(opener, id)
	if err == nil {
		return state, nil
	}
	area, openErr := opener.Open(id)
	if openErr == flash.ErrSlotUnreachable {
		return bootswap.SwapState{}, nil
	}
	if area != nil {
		area.Close()
	}
	return bootswap.SwapState{}, err
}

func dumpSlot(label string, s bootswap.SwapState) {
	fmt.Printf("  %s: magic=%-5s swap_type=%-7s copy_done=%-5s image_ok=%-5s image_num=%d\n",
		label, s.Magic, s.SwapType, s.CopyDone, s.ImageOk, s.ImageNum)
}

// exitWithError prints err to stderr and exits 1.
func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
