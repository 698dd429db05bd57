// Command aidb is a small command-line front end for the aidb key/value
// store: put/get/delete/scan/compact against a database directory,
// grounded on cmd/pebble's cobra-based command set (SPEC_FULL.md §3).
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/aidb/aidb"
)

var dbDir string

var rootCmd = &cobra.Command{
	Use:   "aidb [command] (flags)",
	Short: "aidb key/value store command-line tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.PersistentFlags().StringVarP(&dbDir, "db", "d", "", "database directory (required)")
	rootCmd.AddCommand(putCmd, getCmd, deleteCmd, scanCmd, compactCmd)

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}

func openDB() (*aidb.DB, error) {
	if dbDir == "" {
		return nil, fmt.Errorf("--db is required")
	}
	return aidb.Open(dbDir, aidb.DefaultOptions())
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "set key to value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Put([]byte(args[0]), []byte(args[1]))
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "print the value for key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		v, err := db.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(string(v))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "delete key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Delete([]byte(args[0]))
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [start] [end]",
	Short: "print every key/value in [start, end), or the whole keyspace if omitted",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var it *aidb.Iterator
		if len(args) == 0 {
			it, err = db.Iter()
		} else if len(args) == 1 {
			it, err = db.Scan([]byte(args[0]), nil)
		} else {
			it, err = db.Scan([]byte(args[0]), []byte(args[1]))
		}
		if err != nil {
			return err
		}
		for it.Next() {
			fmt.Printf("%s=%s\n", it.Key(), it.Value())
		}
		return it.Err()
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact [start] [end]",
	Short: "force compaction over [start, end), or the whole keyspace if omitted",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var start, end []byte
		if len(args) > 0 {
			start = []byte(args[0])
		}
		if len(args) > 1 {
			end = []byte(args[1])
		}
		return db.CompactRange(start, end)
	},
}
