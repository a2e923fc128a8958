// Command easyfs packs host files into an easyfs image and drives the image
// through an interactive shell.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/diskfs/go-easyfs/backend"
	"github.com/diskfs/go-easyfs/backend/file"
	efs "github.com/diskfs/go-easyfs/filesystem/easyfs"
)

const (
	imageBlocks       = 0x4000
	inodeBitmapBlocks = 1
	imageName         = "fs.img"
)

type shell struct {
	dev    backend.BlockDevice
	fs     *efs.FileSystem
	source string
	target string
	// stack from the root to the current directory; names mirror inodes
	dirs  []*efs.Inode
	names []string
}

func main() {
	var source, target, ways string

	rootCmd := &cobra.Command{
		Use:   "easyfs",
		Short: "pack host files into an easyfs image and browse it",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(source, target, ways)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&source, "source", "s", "", "host dir to read files from")
	rootCmd.Flags().StringVarP(&target, "target", "t", "", "host dir holding the image")
	rootCmd.Flags().StringVarP(&ways, "ways", "w", "create", "how to obtain the image: create or open")
	_ = rootCmd.MarkFlagRequired("target")

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(source, target, ways string) error {
	imagePath := filepath.Join(target, imageName)
	var (
		dev backend.BlockDevice
		fs  *efs.FileSystem
		err error
	)
	switch ways {
	case "create":
		dev, err = file.CreateFromPath(imagePath, imageBlocks)
		if err != nil {
			return err
		}
		fs, err = efs.Create(dev, imageBlocks, inodeBitmapBlocks)
	case "open":
		dev, err = file.OpenFromPath(imagePath)
		if err != nil {
			return err
		}
		fs, err = efs.Open(dev)
	default:
		return fmt.Errorf("unknown ways %q, use create or open", ways)
	}
	if err != nil {
		return err
	}
	defer dev.Close()

	sh := &shell{
		dev:    dev,
		fs:     fs,
		source: source,
		target: target,
		dirs:   []*efs.Inode{fs.Root()},
		names:  []string{""},
	}
	return sh.loop()
}

func (sh *shell) cwd() *efs.Inode {
	return sh.dirs[len(sh.dirs)-1]
}

func (sh *shell) prompt() string {
	return "/" + strings.Join(sh.names[1:], "/") + " > "
}

func (sh *shell) loop() error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(sh.prompt())
		if !scanner.Scan() {
			return sh.fs.SyncAll()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]
		if cmd == "exit" {
			return sh.fs.SyncAll()
		}
		if err := sh.dispatch(cmd, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

//nolint:gocyclo // a command switch is clearer flat
func (sh *shell) dispatch(cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Println("commands: ls cd touch mkdir cat read write stat chname rm fmt get set exit help")
		return nil
	case "ls":
		names, err := sh.cwd().List()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	case "cd":
		if len(args) == 0 {
			return fmt.Errorf("usage: cd DIR")
		}
		return sh.changeDir(args[0])
	case "touch":
		if len(args) == 0 {
			return fmt.Errorf("usage: touch NAME")
		}
		_, err := sh.cwd().Create(args[0], efs.TypeFile)
		return err
	case "mkdir":
		if len(args) == 0 {
			return fmt.Errorf("usage: mkdir NAME")
		}
		_, err := sh.cwd().Create(args[0], efs.TypeDirectory)
		return err
	case "cat":
		if len(args) == 0 {
			return fmt.Errorf("usage: cat NAME")
		}
		data, err := sh.readAll(args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	case "read":
		if len(args) < 3 {
			return fmt.Errorf("usage: read NAME OFFSET LENGTH")
		}
		return sh.readRange(args[0], args[1], args[2])
	case "write":
		if len(args) < 3 {
			return fmt.Errorf("usage: write NAME OFFSET TEXT")
		}
		return sh.writeAt(args[0], args[1], strings.Join(args[2:], " "))
	case "stat":
		if len(args) == 0 {
			return fmt.Errorf("usage: stat NAME")
		}
		return sh.stat(args[0])
	case "chname":
		if len(args) < 2 {
			return fmt.Errorf("usage: chname OLD NEW")
		}
		return sh.cwd().Rename(args[0], args[1])
	case "rm":
		if len(args) == 0 {
			return fmt.Errorf("usage: rm NAME")
		}
		return removeRecursive(sh.cwd(), args[0])
	case "fmt":
		return sh.reformat()
	case "get":
		if len(args) == 0 {
			return fmt.Errorf("usage: get NAME")
		}
		return sh.get(args[0])
	case "set":
		return sh.set()
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (sh *shell) changeDir(name string) error {
	switch name {
	case ".":
		return nil
	case "..":
		if len(sh.dirs) > 1 {
			sh.dirs = sh.dirs[:len(sh.dirs)-1]
			sh.names = sh.names[:len(sh.names)-1]
		}
		return nil
	}
	child, err := sh.cwd().Find(name)
	if err != nil {
		return err
	}
	isDir, err := child.IsDir()
	if err != nil {
		return err
	}
	if !isDir {
		return fmt.Errorf("%s: %w", name, efs.ErrNotDirectory)
	}
	sh.dirs = append(sh.dirs, child)
	sh.names = append(sh.names, name)
	return nil
}

func (sh *shell) readAll(name string) ([]byte, error) {
	inode, err := sh.cwd().Find(name)
	if err != nil {
		return nil, err
	}
	size, err := inode.Size()
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	n, err := inode.ReadAt(data, 0)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

func (sh *shell) readRange(name, offsetArg, lengthArg string) error {
	offset, err := strconv.ParseUint(offsetArg, 10, 32)
	if err != nil {
		return fmt.Errorf("bad offset %q: %w", offsetArg, err)
	}
	length, err := strconv.ParseUint(lengthArg, 10, 32)
	if err != nil {
		return fmt.Errorf("bad length %q: %w", lengthArg, err)
	}
	inode, err := sh.cwd().Find(name)
	if err != nil {
		return err
	}
	data := make([]byte, length)
	n, err := inode.ReadAt(data, uint32(offset))
	if err != nil {
		return err
	}
	fmt.Println(string(data[:n]))
	return nil
}

func (sh *shell) writeAt(name, offsetArg, text string) error {
	offset, err := strconv.ParseUint(offsetArg, 10, 32)
	if err != nil {
		return fmt.Errorf("bad offset %q: %w", offsetArg, err)
	}
	inode, err := sh.cwd().Find(name)
	if errors.Is(err, efs.ErrNotFound) {
		inode, err = sh.cwd().Create(name, efs.TypeFile)
	}
	if err != nil {
		return err
	}
	_, err = inode.WriteAt([]byte(text), uint32(offset))
	return err
}

func (sh *shell) stat(name string) error {
	inode, err := sh.cwd().Find(name)
	if err != nil {
		return err
	}
	kind, err := inode.Kind()
	if err != nil {
		return err
	}
	size, err := inode.Size()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s, %d bytes, inode %d\n", name, kind, size, inode.InodeID())
	return nil
}

// removeRecursive unlinks name from dir, clearing directory children in
// post-order first so every unlink sees an empty directory.
func removeRecursive(dir *efs.Inode, name string) error {
	child, err := dir.Find(name)
	if err != nil {
		return err
	}
	isDir, err := child.IsDir()
	if err != nil {
		return err
	}
	if isDir {
		names, err := child.List()
		if err != nil {
			return err
		}
		for _, n := range names {
			if err := removeRecursive(child, n); err != nil {
				return err
			}
		}
	}
	return dir.Unlink(name)
}

func (sh *shell) reformat() error {
	fs, err := efs.Create(sh.dev, imageBlocks, inodeBitmapBlocks)
	if err != nil {
		return err
	}
	sh.fs = fs
	sh.dirs = []*efs.Inode{fs.Root()}
	sh.names = []string{""}
	log.Info("image reformatted")
	return nil
}

// get copies a file out of the image into the target dir.
func (sh *shell) get(name string) error {
	data, err := sh.readAll(name)
	if err != nil {
		return err
	}
	hostPath := filepath.Join(sh.target, name)
	if err := os.WriteFile(hostPath, data, 0o666); err != nil {
		return err
	}
	log.WithFields(log.Fields{"name": name, "bytes": len(data)}).Info("copied out of image")
	return nil
}

// set copies every regular file of the source dir into the current directory.
func (sh *shell) set() error {
	if sh.source == "" {
		return fmt.Errorf("no --source dir given")
	}
	entries, err := os.ReadDir(sh.source)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sh.source, entry.Name()))
		if err != nil {
			return err
		}
		inode, err := sh.cwd().Create(entry.Name(), efs.TypeFile)
		if err != nil {
			log.WithField("name", entry.Name()).Warn(err)
			continue
		}
		if _, err := inode.WriteAt(data, 0); err != nil {
			return err
		}
		log.WithFields(log.Fields{"name": entry.Name(), "bytes": len(data)}).Info("copied into image")
	}
	return nil
}
