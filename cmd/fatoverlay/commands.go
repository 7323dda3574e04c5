package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"fatoverlay/internal/overlay"

	"github.com/urfave/cli/v2"
)

const timeLayout = "2006-01-02 15:04:05"

func commands() []*cli.Command {
	return []*cli.Command{{
		Name:   "format",
		Usage:  "free every block and drop every inode record",
		Action: withEngine(formatAction),
	}, {
		Name:      "mkdir",
		Usage:     "create a directory and its missing parents",
		ArgsUsage: "PATH",
		Action:    withEngine(mkdirAction),
	}, {
		Name:      "touch",
		Aliases:   []string{"create"},
		Usage:     "create an empty file with one block",
		ArgsUsage: "PATH",
		Action:    withEngine(touchAction),
	}, {
		Name:      "rm",
		Aliases:   []string{"delete"},
		Usage:     "delete a file or a directory tree",
		ArgsUsage: "PATH",
		Action:    withEngine(rmAction),
	}, {
		Name:      "mv",
		Aliases:   []string{"rename"},
		Usage:     "rename or move a file or directory",
		ArgsUsage: "OLD NEW",
		Action:    withEngine(mvAction),
	}, {
		Name:      "cat",
		Usage:     "print a file",
		ArgsUsage: "PATH",
		Action:    withEngine(catAction),
	}, {
		Name:      "write",
		Usage:     "replace a file's content with the remaining arguments, a host file or stdin",
		ArgsUsage: "PATH [TEXT...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "host file to copy the content from"},
		},
		Action: withEngine(writeAction),
	}, {
		Name:      "ls",
		Usage:     "list a directory",
		ArgsUsage: "[PATH]",
		Action:    withEngine(lsAction),
	}, {
		Name:      "cd",
		Usage:     "change the current directory",
		ArgsUsage: "PATH",
		Action:    withEngine(cdAction),
	}, {
		Name:   "pwd",
		Usage:  "print the current directory",
		Action: withEngine(pwdAction),
	}, {
		Name:      "tree",
		Usage:     "print the directory hierarchy",
		ArgsUsage: "[PATH]",
		Action:    withEngine(treeAction),
	}, {
		Name:      "stat",
		Usage:     "print a file's inode and block chain",
		ArgsUsage: "PATH",
		Action:    withEngine(statAction),
	}, {
		Name:   "df",
		Usage:  "print block usage",
		Action: withEngine(dfAction),
	}, {
		Name:  "fsck",
		Usage: "check the allocator against the inode records",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "repair", Usage: "fix what was found"},
		},
		Action: withEngine(fsckAction),
	}, {
		Name:      "mount",
		Usage:     "serve the overlay over FUSE until interrupted",
		ArgsUsage: "[MOUNTPOINT]",
		Action:    mountAction,
	}, {
		Name:   "watch",
		Usage:  "print the current directory whenever the host changes it",
		Action: watchAction,
	}}
}

func formatAction(e *overlay.Engine, ctx *cli.Context) error {
	if err := e.Format(); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "formatted %d blocks\n", e.Usage().Total)
	return nil
}

func mkdirAction(e *overlay.Engine, ctx *cli.Context) error {
	p, err := arg(ctx, 0, "PATH")
	if err != nil {
		return err
	}
	return e.CreateDirectory(p)
}

func touchAction(e *overlay.Engine, ctx *cli.Context) error {
	p, err := arg(ctx, 0, "PATH")
	if err != nil {
		return err
	}
	return e.CreateFile(p)
}

func rmAction(e *overlay.Engine, ctx *cli.Context) error {
	p, err := arg(ctx, 0, "PATH")
	if err != nil {
		return err
	}
	return e.DeleteItem(p)
}

func mvAction(e *overlay.Engine, ctx *cli.Context) error {
	oldPath, err := arg(ctx, 0, "OLD")
	if err != nil {
		return err
	}
	newPath, err := arg(ctx, 1, "NEW")
	if err != nil {
		return err
	}
	return e.RenameItem(oldPath, newPath)
}

func catAction(e *overlay.Engine, ctx *cli.Context) error {
	p, err := arg(ctx, 0, "PATH")
	if err != nil {
		return err
	}
	content, err := e.ReadFileContent(p)
	if err != nil {
		return err
	}
	_, err = io.WriteString(ctx.App.Writer, content)
	return err
}

func writeAction(e *overlay.Engine, ctx *cli.Context) error {
	p, err := arg(ctx, 0, "PATH")
	if err != nil {
		return err
	}

	var content string
	switch {
	case ctx.IsSet("from"):
		from := ctx.String("from")
		if !IsFile(from) {
			return Fatalf("%s is not a file", from)
		}
		data, err := os.ReadFile(from)
		if err != nil {
			return Fatal(err)
		}
		content = string(data)
	case ctx.NArg() > 1:
		content = strings.Join(ctx.Args().Slice()[1:], " ")
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return Fatal(err)
		}
		content = string(data)
	}
	return e.WriteFileContent(p, content)
}

func lsAction(e *overlay.Engine, ctx *cli.Context) error {
	p := e.CurrentPath()
	if ctx.NArg() > 0 {
		p = ctx.Args().First()
	}
	info, err := e.GetDirectoryInfo(p)
	if err != nil {
		return err
	}
	printListing(ctx.App.Writer, info)
	return nil
}

func printListing(out io.Writer, info *overlay.DirectoryInfo) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "%s\n", info.Path)
	fmt.Fprintln(w, "TYPE\tSIZE\tBLOCK\tCREATED\tMODIFIED\tNAME")
	for _, item := range info.Items {
		block := "-"
		if item.FirstBlock >= 0 {
			block = fmt.Sprint(item.FirstBlock)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			item.Type, item.Size, block,
			stamp(item.CreateTime), stamp(item.ModifyTime), item.Name)
	}
	w.Flush()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func cdAction(e *overlay.Engine, ctx *cli.Context) error {
	p, err := arg(ctx, 0, "PATH")
	if err != nil {
		return err
	}
	if err := e.ChangeDir(p); err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, e.CurrentPath())
	return nil
}

func pwdAction(e *overlay.Engine, ctx *cli.Context) error {
	fmt.Fprintln(ctx.App.Writer, e.CurrentPath())
	return nil
}

func treeAction(e *overlay.Engine, ctx *cli.Context) error {
	p := e.CurrentPath()
	if ctx.NArg() > 0 {
		p = ctx.Args().First()
	}
	root, err := e.Tree(p)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, root.Path)
	printTree(ctx.App.Writer, root.Children, "")
	return nil
}

func printTree(out io.Writer, nodes []*overlay.TreeNode, indent string) {
	for i, n := range nodes {
		branch, next := "├── ", "│   "
		if i == len(nodes)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintf(out, "%s%s%s\n", indent, branch, n.Name)
		printTree(out, n.Children, indent+next)
	}
}

func statAction(e *overlay.Engine, ctx *cli.Context) error {
	p, err := arg(ctx, 0, "PATH")
	if err != nil {
		return err
	}
	st, err := e.Stat(p)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 1, ' ', 0)
	fmt.Fprintf(w, "Path:\t%s\n", st.Path)
	fmt.Fprintf(w, "Recorded:\t%v\n", st.Recorded)
	fmt.Fprintf(w, "Size:\t%d (host %d)\n", st.Inode.Size, st.HostSize)
	fmt.Fprintf(w, "First block:\t%d\n", st.Inode.FirstBlock)
	fmt.Fprintf(w, "Chain:\t%v\n", st.Chain)
	fmt.Fprintf(w, "Created:\t%s\n", stamp(st.Inode.CreateTime))
	fmt.Fprintf(w, "Modified:\t%s\n", stamp(st.Inode.ModifyTime))
	return w.Flush()
}

func dfAction(e *overlay.Engine, ctx *cli.Context) error {
	u := e.Usage()
	fmt.Fprintf(ctx.App.Writer, "blocks: %d total, %d used, %d free\n", u.Total, u.Used, u.Free)
	if t := e.FormattedAt(); !t.IsZero() {
		fmt.Fprintf(ctx.App.Writer, "formatted: %s\n", stamp(t))
	}
	return nil
}

func fsckAction(e *overlay.Engine, ctx *cli.Context) error {
	r, err := e.Check()
	if err != nil {
		return err
	}

	out := ctx.App.Writer
	fmt.Fprintf(out, "%d host file(s), %d inode record(s)\n", r.Files, r.Records)
	for _, b := range r.Leaked {
		fmt.Fprintf(out, "leaked block %d\n", b)
	}
	for _, b := range r.Shared {
		fmt.Fprintf(out, "shared block %d\n", b)
	}
	for _, p := range r.Dangling {
		fmt.Fprintf(out, "dangling record %s\n", p)
	}
	for _, p := range r.Orphans {
		fmt.Fprintf(out, "orphan record %s\n", p)
	}
	for _, p := range r.Unmanaged {
		fmt.Fprintf(out, "unmanaged file %s\n", p)
	}

	if r.Clean() {
		fmt.Fprintln(out, "clean")
		return nil
	}
	if !ctx.Bool("repair") {
		return Fatalf("inconsistencies found; rerun with --repair")
	}
	if err := e.Repair(r); err != nil {
		return err
	}
	fmt.Fprintln(out, "repaired")
	return nil
}
