package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Register and list members",
}

var memberAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register a member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")

		password, err := readPassword(fmt.Sprintf("Enter password for %s: ", args[0]))
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}
		if err := manager.AddMember(cmd.Context(), args[0], name, email, password); err != nil {
			return err
		}
		fmt.Printf("Added member '%s' (%s)\n", name, args[0])
		return nil
	},
}

var memberListCmd = &cobra.Command{
	Use:   "list",
	Short: "List members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		members, err := manager.GetAllMembers(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(members)
		}
		if len(members) == 0 {
			fmt.Println("No members registered.")
			return nil
		}

		fmt.Printf("%-15s %-30s %-30s %s\n", "ID", "Name", "Email", "Password Set")
		fmt.Println(strings.Repeat("-", 90))
		for _, m := range members {
			passwordStatus := "No"
			if m.PasswordHash != "" {
				passwordStatus = "Yes"
			}
			fmt.Printf("%-15s %-30s %-30s %s\n", m.ID, truncateString(m.Name, 30), truncateString(m.Email, 30), passwordStatus)
		}
		return nil
	},
}

var memberResetPasswordCmd = &cobra.Command{
	Use:   "reset-password <id>",
	Short: "Set a new password for a member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		member, err := manager.GetMember(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		password, err := readPassword(fmt.Sprintf("Enter new password for %s (%s): ", member.Name, member.ID))
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}
		if err := manager.ResetMemberPassword(cmd.Context(), member.ID, password); err != nil {
			return err
		}
		fmt.Printf("Password successfully reset for %s (%s)\n", member.Name, member.ID)
		return nil
	},
}

func init() {
	memberAddCmd.Flags().String("name", "", "display name")
	memberAddCmd.Flags().String("email", "", "address for notifications")
	_ = memberAddCmd.MarkFlagRequired("name")
	_ = memberAddCmd.MarkFlagRequired("email")

	memberCmd.AddCommand(memberAddCmd, memberListCmd, memberResetPasswordCmd)
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength-3] + "..."
}
