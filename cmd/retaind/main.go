// Command retaind runs the retention subsystem as a standalone daemon
// against a local SQLite-backed store, for manual operation and
// integration testing of the retention package outside the database
// process it normally runs embedded in.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "retaind",
	Short: "Run or inspect the document database's retention subsystem",
}

func init() {
	rootCmd.PersistentFlags().String("db", "retaind.sqlite", "path to the SQLite-backed store")
	rootCmd.PersistentFlags().String("config", "retaind.toml", "path to the TOML tunables file")
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.SetEnvPrefix("retaind")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
