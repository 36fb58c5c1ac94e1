package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"aoo/netpeer"
	"aoo/rendezvous/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, so main can fall through to serve mode otherwise.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("aooserver %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "accounts":
		return cliAccounts(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	users, _ := st.UserNames()
	groups, _ := st.GroupNames()
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users: %s\n", humanize.Comma(int64(len(users))))
	fmt.Printf("Groups: %s\n", humanize.Comma(int64(len(groups))))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliAccounts(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		users, err := st.UserNames()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(users) == 0 {
			fmt.Println("No registered users.")
			return true
		}
		for _, u := range users {
			fmt.Printf("  %s\n", u)
		}
		return true
	}

	if args[0] == "create" && len(args) > 2 {
		name, password := args[1], args[2]
		if err := st.CreateUser(name, netpeer.HashPassword(password)); err != nil {
			fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created user %q\n", name)
		return true
	}

	if args[0] == "delete" && len(args) > 1 {
		name := args[1]
		if err := st.DeleteUser(name); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted user %q\n", name)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: aooserver accounts [list|create <name> <password>|delete <name>]\n")
	os.Exit(1)
	return true
}
