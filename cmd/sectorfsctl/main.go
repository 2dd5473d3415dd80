// Command sectorfsctl operates directly on a sector-device image file
// (format, ls, cat, mkdir, rm, stat), without a running daemon.
package main

import (
	"fmt"
	"os"

	"github.com/grailbio/base/traverse"
	flag "github.com/spf13/pflag"

	"sectorfs/internal/fsys"
	"sectorfs/internal/version"
)

func main() {
	var (
		device     string
		sectors    uint32
		cacheSlots int
		format     bool
		showVer    bool
	)
	flag.StringVar(&device, "device", "sectorfs.img", "path to the device image file")
	flag.Uint32Var(&sectors, "sectors", 8192, "device size in 512-byte sectors (an existing image must have exactly this size)")
	flag.IntVar(&cacheSlots, "cache-slots", 0, "override buffer cache slot count (0 = default)")
	flag.BoolVar(&format, "format", false, "create a fresh filesystem on the device before running the command")
	flag.BoolVar(&showVer, "version", false, "print version information and exit")
	flag.Parse()

	if showVer {
		fmt.Println(version.Get().String())
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	if args[0] == "format" {
		format = true
	}

	fs, err := fsys.Init(device, sectors, format, cacheSlots)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init filesystem:", err)
		os.Exit(1)
	}
	defer fs.Shutdown()

	sess := fs.NewSession()
	defer sess.Close()

	cmd := args[0]
	switch cmd {
	case "format":
		// Init has already formatted the device; nothing further to do.
	case "ls":
		path := "/"
		if len(args) >= 2 {
			path = args[1]
		}
		if err := ls(sess, path); err != nil {
			fmt.Fprintln(os.Stderr, "ls:", err)
			os.Exit(1)
		}
	case "cat":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "cat <path>")
			os.Exit(2)
		}
		if err := cat(sess, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, "cat:", err)
			os.Exit(1)
		}
	case "mkdir":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "mkdir <path>")
			os.Exit(2)
		}
		if !sess.Create(args[1], 0, true) {
			fmt.Fprintln(os.Stderr, "mkdir: failed")
			os.Exit(1)
		}
	case "rm":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "rm <path>")
			os.Exit(2)
		}
		if !sess.Remove(args[1]) {
			fmt.Fprintln(os.Stderr, "rm: failed")
			os.Exit(1)
		}
	case "stat":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "stat <path>")
			os.Exit(2)
		}
		if err := stat(sess, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, "stat:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "sectorfsctl [--device path] [--format] [--sectors N] <command> [args]")
	fmt.Fprintln(os.Stderr, "commands: format, ls <path>, cat <path>, mkdir <path>, rm <path>, stat <path>")
}

func ls(sess *fsys.Session, path string) error {
	h, ok := sess.Open(path)
	if !ok {
		return fmt.Errorf("not found: %s", path)
	}
	defer h.Close()
	if !h.IsDir() {
		fmt.Println(path)
		return nil
	}

	var names []string
	for {
		name, ok := h.Readdir()
		if !ok {
			break
		}
		names = append(names, name)
	}

	// Fan out stat lookups across entries concurrently; purely to exercise
	// bounded concurrency on an otherwise serial listing, since every lookup
	// reopens its own handle and touches independent cache slots.
	kinds := make([]string, len(names))
	_ = traverse.Each(len(names)).Do(func(i int) error {
		child, ok := sess.Open(joinPath(path, names[i]))
		if !ok {
			kinds[i] = "?"
			return nil
		}
		defer child.Close()
		if child.IsDir() {
			kinds[i] = "d"
		} else {
			kinds[i] = "f"
		}
		return nil
	})
	for i, name := range names {
		fmt.Printf("%s %s\n", kinds[i], name)
	}
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func cat(sess *fsys.Session, path string) error {
	h, ok := sess.Open(path)
	if !ok {
		return fmt.Errorf("not found: %s", path)
	}
	defer h.Close()
	if h.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	buf := make([]byte, 4096)
	for {
		n := h.Read(buf)
		if n == 0 {
			return nil
		}
		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func stat(sess *fsys.Session, path string) error {
	h, ok := sess.Open(path)
	if !ok {
		return fmt.Errorf("not found: %s", path)
	}
	defer h.Close()
	kind := "file"
	if h.IsDir() {
		kind = "directory"
	}
	fmt.Printf("%s: %s, %d bytes\n", path, kind, h.Length())
	return nil
}
