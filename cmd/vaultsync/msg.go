package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/vaultsync/internal/mailbox"
	"github.com/agentworkforce/vaultsync/internal/vault"
)

func msgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msg",
		Short: "exchange messages through a vault directory",
	}
	cmd.AddCommand(msgSendCmd(), msgRecvCmd())
	return cmd
}

func msgSendCmd() *cobra.Command {
	var subject, body string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "send <group/dir>",
		Short: "send a message to a mailbox directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()

			err = mailbox.Send(v, args[0], mailbox.Message{
				Subject:     subject,
				Body:        body,
				Attachments: attachments,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent to", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "message subject")
	cmd.Flags().StringVarP(&body, "body", "b", "", "message body")
	cmd.Flags().StringArrayVarP(&attachments, "attach", "a", nil, "local file to attach, repeatable")
	return cmd
}

func msgRecvCmd() *cobra.Command {
	var sinceStr, outDir string
	var fromID int64
	cmd := &cobra.Command{
		Use:   "recv <group/dir>",
		Short: "read the messages of a mailbox directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var since time.Time
			if sinceStr != "" {
				var err error
				if since, err = time.Parse(time.RFC3339, sinceStr); err != nil {
					return fmt.Errorf("invalid --since, want RFC3339: %w", err)
				}
			}
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()

			messages, err := mailbox.Receive(v, args[0], since, vault.FileID(fromID))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range messages {
				fmt.Fprintf(out, "id=%d from=%s at=%s\n", m.Info.ID, m.Info.Author, m.Info.ModTime.Format(time.RFC3339))
				fmt.Fprintln(out, "subject:", m.Subject)
				if m.Body != "" {
					fmt.Fprintln(out, m.Body)
				}
				for idx, name := range m.Attachments {
					if outDir == "" {
						fmt.Fprintf(out, "attachment %d: %s (use --out to download)\n", idx, name)
						continue
					}
					local := filepath.Join(outDir, name)
					if err := downloadAttachment(v, m, idx, local); err != nil {
						return err
					}
					fmt.Fprintf(out, "attachment %d: %s -> %s\n", idx, name, local)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sinceStr, "since", "", "only messages after this RFC3339 time")
	cmd.Flags().Int64Var(&fromID, "from-id", 0, "only messages with a higher id")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "download attachments into this directory")
	return cmd
}

func downloadAttachment(v *vault.Vault, m mailbox.Message, idx int, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	defer f.Close()
	return mailbox.Download(v, m, idx, f)
}
