package virtualization

import "github.com/javanstorm/vzkit/pkg/hypervisor"

// BootLoader is implemented by the boot loader types of this package.
type BootLoader interface {
	Handle() *Handle
	Release()
	isBootLoader()
}

// LinuxBootLoader boots a Linux kernel directly.
type LinuxBootLoader struct {
	object
	kernel, initrd, cmdline string
}

func (*LinuxBootLoader) isBootLoader() {}

// Kernel is the absolute kernel path.
func (b *LinuxBootLoader) Kernel() string { return b.kernel }

// Initrd is the absolute initial ramdisk path, empty when unset.
func (b *LinuxBootLoader) Initrd() string { return b.initrd }

// CommandLine is the kernel command line.
func (b *LinuxBootLoader) CommandLine() string { return b.cmdline }

// LinuxBootLoaderBuilder starts a Linux boot loader. A kernel must be set
// before Build is reachable.
type LinuxBootLoaderBuilder struct {
	rt *Runtime
}

// LinuxBootLoaderKernelStage is a builder with the kernel set.
type LinuxBootLoaderKernelStage struct {
	rt                      *Runtime
	kernel, initrd, cmdline string
}

// NewLinuxBootLoaderBuilder returns an empty Linux boot loader builder.
func (rt *Runtime) NewLinuxBootLoaderBuilder() LinuxBootLoaderBuilder {
	return LinuxBootLoaderBuilder{rt: rt}
}

// Kernel sets the kernel image.
func (b LinuxBootLoaderBuilder) Kernel(path string) LinuxBootLoaderKernelStage {
	return LinuxBootLoaderKernelStage{rt: b.rt, kernel: path}
}

// Initrd sets the initial ramdisk.
func (s LinuxBootLoaderKernelStage) Initrd(path string) LinuxBootLoaderKernelStage {
	s.initrd = path
	return s
}

// CommandLine sets the kernel command line.
func (s LinuxBootLoaderKernelStage) CommandLine(cmdline string) LinuxBootLoaderKernelStage {
	s.cmdline = cmdline
	return s
}

// Build creates the boot loader.
func (s LinuxBootLoaderKernelStage) Build() (*LinuxBootLoader, error) {
	const op = "create linux boot loader"
	kernel, err := canonicalPath(op, s.kernel)
	if err != nil {
		return nil, err
	}
	initrd := ""
	if s.initrd != "" {
		if initrd, err = canonicalPath(op, s.initrd); err != nil {
			return nil, err
		}
	}
	o, err := s.rt.simple(op, func() (hypervisor.Object, error) {
		return s.rt.driver.NewLinuxBootLoader(kernel, initrd, s.cmdline)
	})
	if err != nil {
		return nil, err
	}
	return &LinuxBootLoader{object: o, kernel: kernel, initrd: initrd, cmdline: s.cmdline}, nil
}

// MacOSBootLoader boots macOS guests. It needs a Mac platform.
type MacOSBootLoader struct {
	object
}

func (*MacOSBootLoader) isBootLoader() {}

// NewMacOSBootLoader creates a macOS boot loader.
func (rt *Runtime) NewMacOSBootLoader() (*MacOSBootLoader, error) {
	o, err := rt.simple("create macOS boot loader", rt.driver.NewMacOSBootLoader)
	if err != nil {
		return nil, err
	}
	return &MacOSBootLoader{object: o}, nil
}

// EFIBootLoader boots through UEFI firmware backed by a variable store file.
type EFIBootLoader struct {
	object
	variableStore string
}

func (*EFIBootLoader) isBootLoader() {}

// VariableStore is the absolute path of the EFI variable store.
func (b *EFIBootLoader) VariableStore() string { return b.variableStore }

// NewEFIBootLoader opens the variable store at path, creating it first when
// create is set.
func (rt *Runtime) NewEFIBootLoader(path string, create bool) (*EFIBootLoader, error) {
	const op = "create EFI boot loader"
	store, err := canonicalPath(op, path)
	if err != nil {
		return nil, err
	}
	o, err := rt.simple(op, func() (hypervisor.Object, error) {
		return rt.driver.NewEFIBootLoader(store, create)
	})
	if err != nil {
		return nil, err
	}
	return &EFIBootLoader{object: o, variableStore: store}, nil
}
