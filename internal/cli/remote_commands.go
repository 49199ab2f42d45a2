package cli

import (
	"context"
	"fmt"
	"os"
	"path"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferrydock/ferry/internal/navigator"
	"github.com/ferrydock/ferry/internal/transfer"
)

type connectFlags struct {
	trustHost     bool
	askPassphrase bool
}

func addConnectFlags(cmd *cobra.Command, f *connectFlags) {
	cmd.Flags().BoolVar(&f.trustHost, "trust-host", false, "Accept and record an unknown host key (trust-on-first-use)")
	cmd.Flags().BoolVar(&f.askPassphrase, "ask-passphrase", false, "Prompt for the private key passphrase")
}

// newTestCmd creates the 'test' command.
func newTestCmd() *cobra.Command {
	var flags connectFlags
	cmd := &cobra.Command{
		Use:   "test <profile>",
		Short: "Test a profile's connection",
		Long:  `Dial the server, authenticate, open the SFTP channel and disconnect.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			start := time.Now()
			mgr, sess, err := app.connect(args[0], flags.trustHost, flags.askPassphrase)
			if err != nil {
				return err
			}
			defer mgr.Disconnect(sess)

			fs, err := sess.FS()
			if err != nil {
				return err
			}
			home, err := fs.RealPath(".")
			if err != nil {
				return err
			}
			prof := sess.Profile()
			fmt.Printf("OK: %s (%s) in %s, remote directory %s\n",
				args[0], prof.Addr(), time.Since(start).Round(time.Millisecond), home)
			return nil
		},
	}
	addConnectFlags(cmd, &flags)
	return cmd
}

// newLsCmd creates the 'ls' command.
func newLsCmd() *cobra.Command {
	var flags connectFlags
	var long bool
	cmd := &cobra.Command{
		Use:   "ls <profile> [path]",
		Short: "List a remote directory",
		Long: `List a remote directory, directories first. The path may be
absolute or relative to the login directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			mgr, sess, err := app.connect(args[0], flags.trustHost, flags.askPassphrase)
			if err != nil {
				return err
			}
			defer mgr.Disconnect(sess)

			fs, err := sess.FS()
			if err != nil {
				return err
			}
			base, err := fs.RealPath(".")
			if err != nil {
				return err
			}
			dir := base
			if len(args) == 2 {
				dir = navigator.Navigate(base, args[1])
			}

			nav := navigator.New(app.bus, app.log)
			defer nav.Close()
			entries, err := nav.List(fs, sess.ID(), dir)
			if err != nil {
				return err
			}

			if !long {
				for _, e := range entries {
					name := e.Name
					if e.IsDir {
						name += "/"
					}
					fmt.Println(name)
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, e := range entries {
				name := e.Name
				if e.IsLink {
					name += " -> " + e.LinkTarget
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Mode, formatSize(e.Size), e.ModTime.Format("2006-01-02 15:04"), name)
			}
			return w.Flush()
		},
	}
	addConnectFlags(cmd, &flags)
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Long listing with mode, size and mtime")
	return cmd
}

// newLlsCmd creates the 'lls' command.
func newLlsCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "lls [path]",
		Short: "List a local directory",
		Long:  `List a local directory with the same ordering as remote listings.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			entries, err := navigator.ListLocal(dir)
			if err != nil {
				return err
			}
			if !long {
				for _, e := range entries {
					name := e.Name
					if e.IsDir {
						name += "/"
					}
					fmt.Println(name)
				}
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, e := range entries {
				name := e.Name
				if e.IsLink {
					name += " -> " + e.LinkTarget
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Mode, formatSize(e.Size), e.ModTime.Format("2006-01-02 15:04"), name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "Long listing with mode, size and mtime")
	return cmd
}

// newStatCmd creates the 'stat' command.
func newStatCmd() *cobra.Command {
	var flags connectFlags
	cmd := &cobra.Command{
		Use:   "stat <profile> <remote-path>",
		Short: "Show details of a remote entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.close()

			mgr, sess, err := app.connect(args[0], flags.trustHost, flags.askPassphrase)
			if err != nil {
				return err
			}
			defer mgr.Disconnect(sess)

			fs, err := sess.FS()
			if err != nil {
				return err
			}
			base, err := fs.RealPath(".")
			if err != nil {
				return err
			}

			nav := navigator.New(app.bus, app.log)
			defer nav.Close()
			e, err := nav.Stat(fs, navigator.Navigate(base, args[1]))
			if err != nil {
				return err
			}

			fmt.Printf("Path:     %s\n", e.Path)
			fmt.Printf("Mode:     %s\n", e.Mode)
			fmt.Printf("Size:     %s (%d bytes)\n", formatSize(e.Size), e.Size)
			fmt.Printf("Modified: %s\n", e.ModTime.Format(time.RFC1123))
			if e.IsLink {
				fmt.Printf("Link:     %s\n", e.LinkTarget)
			}
			return nil
		},
	}
	addConnectFlags(cmd, &flags)
	return cmd
}

// newGetCmd creates the 'get' command.
func newGetCmd() *cobra.Command {
	var flags connectFlags
	var recursive bool
	cmd := &cobra.Command{
		Use:   "get <profile> <remote-path> [local-path]",
		Short: "Download a file or directory",
		Long: `Download a remote file, or a whole directory with -r. Progress is
shown per file; interrupted transfers resume from the last confirmed
offset within the retry budget.

Examples:
  ferry get prod /data/results.tar.gz
  ferry get prod /data/run42 ./run42 -r`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := ""
			if len(args) == 3 {
				local = args[2]
			} else {
				local = path.Base(args[1])
			}
			kind := transfer.DownloadFile
			if recursive {
				kind = transfer.DownloadDir
			}
			return runTransfer(args[0], kind, args[1], local, flags)
		},
	}
	addConnectFlags(cmd, &flags)
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Download a directory tree")
	return cmd
}

// newPutCmd creates the 'put' command.
func newPutCmd() *cobra.Command {
	var flags connectFlags
	var recursive bool
	cmd := &cobra.Command{
		Use:   "put <profile> <local-path> [remote-path]",
		Short: "Upload a file or directory",
		Long: `Upload a local file, or a whole directory with -r. The remote path
defaults to the source name in the login directory.

Examples:
  ferry put prod input.dat /incoming/input.dat
  ferry put prod ./dataset /incoming/dataset -r`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := ""
			if len(args) == 3 {
				remotePath = args[2]
			}
			kind := transfer.UploadFile
			if recursive {
				kind = transfer.UploadDir
			}
			return runTransfer(args[0], kind, args[1], remotePath, flags)
		},
	}
	addConnectFlags(cmd, &flags)
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Upload a directory tree")
	return cmd
}

// runTransfer drives one enqueued transfer to completion with progress
// rendering and overwrite prompts.
func runTransfer(profileName string, kind transfer.JobKind, source, dest string, flags connectFlags) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.close()

	mgr, sess, err := app.connect(profileName, flags.trustHost, flags.askPassphrase)
	if err != nil {
		return err
	}
	defer mgr.Disconnect(sess)

	if dest == "" && (kind == transfer.UploadFile || kind == transfer.UploadDir) {
		fs, err := sess.FS()
		if err != nil {
			return err
		}
		home, err := fs.RealPath(".")
		if err != nil {
			return err
		}
		dest = navigator.Navigate(home, path.Base(source))
	}

	eng := app.engine(sess)
	defer eng.Stop()

	batch := kind == transfer.UploadDir || kind == transfer.DownloadDir
	ui := newTransferUI(app.bus, eng, batch)
	defer ui.Close()

	id, err := eng.Enqueue(kind, source, dest)
	if err != nil {
		return err
	}
	snap, err := ui.Wait(GetContext(), id)
	if err != nil {
		return err
	}
	return reportOutcome(snap)
}

// newMkdirCmd creates the 'mkdir' command.
func newMkdirCmd() *cobra.Command {
	var flags connectFlags
	cmd := &cobra.Command{
		Use:   "mkdir <profile> <remote-path>",
		Short: "Create a remote directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuickOp(args[0], transfer.Mkdir, "", args[1], flags)
		},
	}
	addConnectFlags(cmd, &flags)
	return cmd
}

// newRmCmd creates the 'rm' command.
func newRmCmd() *cobra.Command {
	var flags connectFlags
	cmd := &cobra.Command{
		Use:   "rm <profile> <remote-path>",
		Short: "Remove a remote file or directory tree",
		Long:  `Remove a remote file. Directories are removed recursively.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuickOp(args[0], transfer.Delete, args[1], "", flags)
		},
	}
	addConnectFlags(cmd, &flags)
	return cmd
}

// newMvCmd creates the 'mv' command.
func newMvCmd() *cobra.Command {
	var flags connectFlags
	cmd := &cobra.Command{
		Use:   "mv <profile> <remote-from> <remote-to>",
		Short: "Rename or move a remote entry",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuickOp(args[0], transfer.Rename, args[1], args[2], flags)
		},
	}
	addConnectFlags(cmd, &flags)
	return cmd
}

// runQuickOp executes a short remote mutation through the engine so it
// shares the retry and invalidation behavior of transfers.
func runQuickOp(profileName string, kind transfer.JobKind, source, dest string, flags connectFlags) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.close()

	mgr, sess, err := app.connect(profileName, flags.trustHost, flags.askPassphrase)
	if err != nil {
		return err
	}
	defer mgr.Disconnect(sess)

	eng := app.engine(sess)
	defer eng.Stop()

	id, err := eng.Enqueue(kind, source, dest)
	if err != nil {
		return err
	}
	snap, err := waitJob(GetContext(), eng, id)
	if err != nil {
		return err
	}
	if snap.State != transfer.StateCompleted {
		return snap.Err
	}
	return nil
}

// waitJob polls a job until it is terminal. Context cancellation
// cancels the job and keeps polling until it settles.
func waitJob(ctx context.Context, eng *transfer.Engine, id string) (transfer.Snapshot, error) {
	cancelled := false
	for {
		snap, err := eng.Status(id)
		if err != nil {
			return transfer.Snapshot{}, err
		}
		if snap.State.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				_ = eng.Cancel(id)
			}
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
