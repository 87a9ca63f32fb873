package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vzkit/internal/bundle"
	"github.com/javanstorm/vzkit/internal/config"
	"github.com/javanstorm/vzkit/pkg/virtualization"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Create and inspect VM bundles",
}

var bundleInitCmd = &cobra.Command{
	Use:   "init [name|path]",
	Short: "Create a bundle",
	Long: `Create a bundle directory with a bundle.toml manifest.

For a macOS guest the platform identity is created from the hardware model
of a restore image: a new machine identifier and auxiliary storage are
written next to the manifest. Use --linux with --kernel for a Linux guest.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBundleInit,
}

var (
	initLinux        bool
	initKernel       string
	initInitrd       string
	initCmdline      string
	initRestoreImage string
	initDiskSize     string
)

func init() {
	f := bundleInitCmd.Flags()
	f.BoolVar(&initLinux, "linux", false, "Create a Linux guest bundle")
	f.StringVar(&initKernel, "kernel", "", "Linux kernel image")
	f.StringVar(&initInitrd, "initrd", "", "Linux initial ramdisk")
	f.StringVar(&initCmdline, "cmdline", "", "Linux kernel command line")
	f.StringVar(&initRestoreImage, "restore-image", "", "Restore image for a macOS bundle (default from config)")
	f.StringVar(&initDiskSize, "disk-size", "", "Create an empty Disk.img of this size, e.g. 64GiB")

	bundleCmd.AddCommand(bundleInitCmd)
}

func runBundleInit(cmd *cobra.Command, args []string) error {
	dir := bundleDir(args)
	if dir == "" {
		return fmt.Errorf("no bundle given")
	}
	cfg := config.Global
	memory, err := cfg.MemoryBytes()
	if err != nil {
		return err
	}

	var m bundle.Manifest
	if initLinux {
		m, err = linuxManifest()
		if err != nil {
			return err
		}
	} else {
		m = bundle.DefaultManifest()
		m.Display = bundle.Display{Width: cfg.DisplayWidth, Height: cfg.DisplayHeight}
	}
	m.CPUs = cfg.CPUs
	m.Memory = units.BytesSize(float64(memory))
	if initDiskSize != "" {
		m.Disks = append(m.Disks, bundle.Disk{Path: bundle.DiskImageFile})
	}
	if err := m.Check(); err != nil {
		return err
	}

	var rt *virtualization.Runtime
	var hw *virtualization.MacHardwareModel
	if !initLinux {
		rt, err = newRuntime()
		if err != nil {
			return err
		}
		img, err := loadRestoreImage(rt)
		if err != nil {
			return err
		}
		defer img.Release()
		hw = img.HardwareModel()
	}

	b, err := bundle.Init(dir, m)
	if err != nil {
		return err
	}
	if hw != nil {
		if err := createIdentity(rt, b, hw); err != nil {
			return err
		}
	}
	if initDiskSize != "" {
		if err := createDisk(b.Path(bundle.DiskImageFile), initDiskSize); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s bundle at %s\n", m.Guest, b.Dir)
	return nil
}

func linuxManifest() (bundle.Manifest, error) {
	m := bundle.DefaultLinuxManifest()
	if initKernel == "" {
		return m, fmt.Errorf("--kernel is required for a Linux bundle")
	}
	for _, p := range []struct {
		src string
		dst *string
	}{{initKernel, &m.Linux.Kernel}, {initInitrd, &m.Linux.Initrd}} {
		if p.src == "" {
			continue
		}
		abs, err := filepath.Abs(p.src)
		if err != nil {
			return m, err
		}
		if _, err := os.Stat(abs); err != nil {
			return m, fmt.Errorf("boot file: %w", err)
		}
		*p.dst = abs
	}
	if initCmdline != "" {
		m.Linux.CommandLine = initCmdline
	}
	return m, nil
}

func loadRestoreImage(rt *virtualization.Runtime) (*virtualization.RestoreImage, error) {
	path := initRestoreImage
	if path == "" {
		path = config.Global.RestoreImage
	}
	img, err := rt.LoadRestoreImage(path)
	if err != nil {
		return nil, fmt.Errorf("load restore image (run 'macvm restore' first): %w", err)
	}
	if !img.Supported() {
		img.Release()
		return nil, fmt.Errorf("restore image %s is not supported on this host", path)
	}
	return img, nil
}

// createIdentity writes a new machine identifier and auxiliary storage for
// hw into b.
func createIdentity(rt *virtualization.Runtime, b *bundle.Bundle, hw *virtualization.MacHardwareModel) error {
	id, err := rt.GenerateMacMachineIdentifier()
	if err != nil {
		return err
	}
	defer id.Release()
	aux, err := rt.CreateMacAuxiliaryStorage(b.Path(bundle.AuxiliaryStorageFile), hw, false)
	if err != nil {
		return err
	}
	aux.Release()

	hwData, err := hw.DataRepresentation()
	if err != nil {
		return err
	}
	idData, err := id.DataRepresentation()
	if err != nil {
		return err
	}
	return b.WriteIdentity(hwData, idData)
}

// createDisk creates a sparse disk image.
func createDisk(path, size string) error {
	n, err := units.RAMInBytes(size)
	if err != nil {
		return fmt.Errorf("disk size %q: %w", size, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create disk: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(n); err != nil {
		return fmt.Errorf("size disk: %w", err)
	}
	return nil
}
