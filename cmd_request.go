package main

import (
	"fmt"
	"strings"

	"bookswap/library"

	"github.com/spf13/cobra"
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Ask for a book, or answer requests for books you hold",
}

var requestSubmitCmd = &cobra.Command{
	Use:   "submit <catalog-id>",
	Short: "Ask the holder of a book to lend it to you",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		as, _ := cmd.Flags().GetString("as")
		to, _ := cmd.Flags().GetString("to")
		kind, _ := cmd.Flags().GetString("kind")

		book, err := manager.GetBook(ctx, args[0])
		if err != nil {
			return err
		}
		if to == "" {
			to = book.CurrentHolder
		}
		if err := authenticateUser(ctx, as); err != nil {
			return err
		}

		id, err := manager.Engine().Submit(ctx, book.ID, as, to, library.RequestKind(kind))
		if err != nil {
			return err
		}
		fmt.Printf("Request %s sent to %s for '%s'\n", id, to, book.Title)
		return nil
	},
}

var requestAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Hand a book you hold to the requester",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		as, _ := cmd.Flags().GetString("as")
		if err := authenticateUser(ctx, as); err != nil {
			return err
		}

		req, err := manager.Engine().Request(ctx, args[0])
		if err != nil {
			return err
		}
		if err := manager.Engine().Accept(ctx, req.ID, as); err != nil {
			return err
		}
		fmt.Printf("Book %s now belongs to %s; other requests for it were declined.\n", req.BookID, req.RequesterID)
		return nil
	},
}

var requestRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Decline a request for a book you hold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		as, _ := cmd.Flags().GetString("as")
		reason, _ := cmd.Flags().GetString("reason")
		if strings.TrimSpace(reason) == "" {
			return fmt.Errorf("a --reason is required to decline a request")
		}
		if err := authenticateUser(ctx, as); err != nil {
			return err
		}

		if err := manager.Engine().Reject(ctx, args[0], as, reason); err != nil {
			return err
		}
		fmt.Printf("Request %s declined.\n", args[0])
		return nil
	},
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Requests waiting for your answer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		as, _ := cmd.Flags().GetString("as")
		if err := authenticateUser(cmd.Context(), as); err != nil {
			return err
		}
		reqs, err := manager.Engine().Inbox(cmd.Context(), as)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(reqs)
		}
		printRequests(reqs, "No requests waiting for you.")
		return nil
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Your requests still waiting for an answer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		as, _ := cmd.Flags().GetString("as")
		if err := authenticateUser(cmd.Context(), as); err != nil {
			return err
		}
		reqs, err := manager.Engine().Outbox(cmd.Context(), as)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(reqs)
		}
		printRequests(reqs, "You have no open requests.")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{requestSubmitCmd, requestAcceptCmd, requestRejectCmd, inboxCmd, outboxCmd} {
		c.Flags().String("as", "", "acting member id")
		_ = c.MarkFlagRequired("as")
	}
	requestSubmitCmd.Flags().String("to", "", "member to ask (defaults to the current holder)")
	requestSubmitCmd.Flags().String("kind", string(library.KindRequest), "request or transfer")
	requestRejectCmd.Flags().String("reason", "", "reason passed on to the requester")

	requestCmd.AddCommand(requestSubmitCmd, requestAcceptCmd, requestRejectCmd)
}

func printRequests(reqs []*library.Request, empty string) {
	if len(reqs) == 0 {
		fmt.Println(empty)
		return
	}
	fmt.Printf("%-36s %-12s %-9s %-15s %-15s %s\n", "Request", "Book", "Kind", "From", "To", "Created")
	fmt.Println(strings.Repeat("-", 110))
	for _, r := range reqs {
		fmt.Println(library.PrettyRequest(r))
	}
}
