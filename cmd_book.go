package main

import (
	"context"
	"fmt"
	"strings"

	"bookswap/library"

	"github.com/spf13/cobra"
)

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Register books and see who holds them",
}

var bookAddCmd = &cobra.Command{
	Use:   "add <catalog-id>",
	Short: "Register a book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		author, _ := cmd.Flags().GetString("author")
		holder, _ := cmd.Flags().GetString("holder")

		if err := manager.AddBook(cmd.Context(), args[0], title, author, holder); err != nil {
			return err
		}
		if holder == "" {
			fmt.Printf("Added book %s (not in circulation yet)\n", args[0])
		} else {
			fmt.Printf("Added book %s held by %s\n", args[0], holder)
		}
		return nil
	},
}

var bookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List books and their holders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		books, err := manager.GetAllBooks(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(books)
		}
		if len(books) == 0 {
			fmt.Println("No books in library.")
			return nil
		}
		printBooks(cmd.Context(), books)
		return nil
	},
}

var bookHeldCmd = &cobra.Command{
	Use:   "held <member-id>",
	Short: "List the books a member currently holds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		member, err := manager.GetMember(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		books, err := manager.Engine().BooksHeldBy(cmd.Context(), member.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(books)
		}
		if len(books) == 0 {
			fmt.Printf("%s holds no books.\n", member.Name)
			return nil
		}
		fmt.Printf("Books held by %s:\n", member.Name)
		printBooks(cmd.Context(), books)
		return nil
	},
}

func init() {
	bookAddCmd.Flags().String("title", "", "book title")
	bookAddCmd.Flags().String("author", "", "book author")
	bookAddCmd.Flags().String("holder", "", "member currently holding the book")
	_ = bookAddCmd.MarkFlagRequired("title")

	bookCmd.AddCommand(bookAddCmd, bookListCmd, bookHeldCmd)
}

func printBooks(ctx context.Context, books []*library.Book) {
	fmt.Printf("%-12s %-30s %-25s %-25s\n", "ID", "Title", "Author", "Holder")
	fmt.Println(strings.Repeat("-", 95))
	for _, b := range books {
		holderName := "None"
		if b.CurrentHolder != "" {
			if m, err := manager.GetMember(ctx, b.CurrentHolder); err == nil {
				holderName = fmt.Sprintf("%s (%s)", m.Name, m.ID)
			} else {
				holderName = b.CurrentHolder
			}
		}
		display := *b
		display.Title = truncateString(b.Title, 30)
		display.Author = truncateString(b.Author, 25)
		fmt.Println(library.PrettyBook(&display, truncateString(holderName, 25)))
	}
}
