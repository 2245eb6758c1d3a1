package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/vault"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "generate a new identity key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			public, private, err := identity.NewKeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "public: ", public)
			fmt.Fprintln(cmd.OutOrStdout(), "private:", private)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create the configured vault on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, cleanup, err := openVault(true)
			if err != nil {
				return err
			}
			defer cleanup()
			fmt.Fprintln(cmd.OutOrStdout(), "created", v.ID)
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	var attrs []string
	cmd := &cobra.Command{
		Use:   "put <group/path> [local file]",
		Short: "upload a file, reading stdin when no local file is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()

			var src io.Reader = cmd.InOrStdin()
			if len(args) == 2 {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			opts := vault.WriteOptions{}
			for _, a := range attrs {
				k, val, ok := strings.Cut(a, "=")
				if !ok {
					return fmt.Errorf("attribute %q is not key=value", a)
				}
				if opts.Attrs == nil {
					opts.Attrs = map[string]string{}
				}
				opts.Attrs[k] = val
			}
			info, err := v.Write(args[0], src, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s id=%s size=%d\n", info.Name, info.ID.Hex(), info.Size)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "file attribute key=value, repeatable")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <group/path[:version]> [local file]",
		Short: "download a file, writing stdout when no local file is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()

			var dst io.Writer = cmd.OutOrStdout()
			if len(args) == 2 {
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}
			_, err = v.Read(args[0], dst, vault.ReadOptions{})
			return err
		},
	}
}

func lsCmd() *cobra.Command {
	var deleted bool
	var limit int
	cmd := &cobra.Command{
		Use:   "ls <group[/dir]>",
		Short: "list the files of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()

			ls, err := v.ReadDir(args[0], vault.ListOptions{IncludeDeleted: deleted, Limit: limit})
			if err != nil {
				return err
			}
			for _, fi := range ls {
				marker := " "
				if fi.Deleted {
					marker = "D"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %10d %s %s\n",
					marker, fi.Size, fi.ModTime.Format(time.RFC3339), fi.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleted, "deleted", false, "include tombstones")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries, 0 = all")
	return cmd
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <group/path>",
		Short: "delete a file on every member",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()
			return v.Delete(args[0])
		},
	}
}

func versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <group/path>",
		Short: "list every stored version of a file, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()

			versions, err := v.Versions(args[0])
			if err != nil {
				return err
			}
			for n, fi := range versions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%d id=%s size=%d %s\n",
					fi.Name, n, fi.ID.Hex(), fi.Size, fi.ModTime.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [group...]",
		Short: "reconcile the local index with the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := v.Sync(args...); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "synchronized", v.ID)
			return nil
		},
	}
}

func grantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <group> <public-id> <none|read|write|admin>",
		Short: "set a user's access level in a group",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			user, err := identity.DecodePublicID(args[1])
			if err != nil {
				return fmt.Errorf("invalid public id: %w", err)
			}
			level, err := parseLevel(args[2])
			if err != nil {
				return err
			}
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()
			return v.SyncAccess(0, vault.AccessChange{Group: args[0], UserID: user, Level: level})
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <group> <public-id>",
		Short: "remove a user from a group, rotating its key",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			user, err := identity.DecodePublicID(args[1])
			if err != nil {
				return fmt.Errorf("invalid public id: %w", err)
			}
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()
			return v.SyncAccess(0, vault.AccessChange{Group: args[0], UserID: user, Level: vault.LevelNone})
		},
	}
}

func groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups [public-id]",
		Short: "show the groups a user belongs to, own identity by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()

			user := v.UserID
			if len(args) == 1 {
				if user, err = identity.DecodePublicID(args[0]); err != nil {
					return fmt.Errorf("invalid public id: %w", err)
				}
			}
			groups, err := v.GetGroups(user)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(groups))
			for g := range groups {
				names = append(names, g)
			}
			sort.Strings(names)
			for _, g := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", g, groups[g])
			}
			return nil
		},
	}
}

func membersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <group>",
		Short: "show the members of a group and their levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()

			members, err := v.GroupMembers(args[0])
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(members))
			for id := range members {
				ids = append(ids, string(id))
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "%-6s %s\n", members[identity.PublicID(id)], id)
			}
			return nil
		},
	}
}

func usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "list every identity the vault has seen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, cleanup, err := openVault(false)
			if err != nil {
				return err
			}
			defer cleanup()

			users, err := v.Users()
			if err != nil {
				return err
			}
			for _, id := range users {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func attrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attr",
		Short: "author-scoped vault attributes",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name> <value>",
			Short: "set one of your own attributes",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				v, cleanup, err := openVault(false)
				if err != nil {
					return err
				}
				defer cleanup()
				return v.SetAttribute(args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "get <public-id> <name>",
			Short: "read an attribute of any author",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				author, err := identity.DecodePublicID(args[0])
				if err != nil {
					return fmt.Errorf("invalid public id: %w", err)
				}
				v, cleanup, err := openVault(false)
				if err != nil {
					return err
				}
				defer cleanup()
				value, err := v.GetAttribute(author, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			},
		},
	)
	return cmd
}

func parseLevel(s string) (vault.Level, error) {
	switch strings.ToLower(s) {
	case "none":
		return vault.LevelNone, nil
	case "read":
		return vault.LevelRead, nil
	case "write":
		return vault.LevelWrite, nil
	case "admin":
		return vault.LevelAdmin, nil
	default:
		return 0, fmt.Errorf("unknown level %q, want none, read, write or admin", s)
	}
}
