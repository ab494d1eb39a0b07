package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/config"
	"github.com/iggydv12/meshtable/internal/identity"
	"github.com/iggydv12/meshtable/internal/node"
)

var (
	cfgFile  string
	roomName string
	password string
	roomID   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshtable",
		Short: "meshtable: peer-to-peer shared tabletop state",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a meshtable node",
		RunE:  runStart,
	}
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	startCmd.Flags().StringVar(&roomName, "room", "", "Room to join at startup (overrides room.name)")
	startCmd.Flags().StringVar(&password, "password", "", "Room password (overrides room.password)")
	startCmd.Flags().StringVar(&roomID, "room-id", "", "Room salt shared out of band (overrides room.id)")

	deriveCmd := &cobra.Command{
		Use:   "derive",
		Short: "Print the rendezvous identifier of a room",
		RunE:  runDerive,
	}
	deriveCmd.Flags().StringVar(&roomName, "room", "", "Room name")
	deriveCmd.Flags().StringVar(&password, "password", "", "Room password")
	deriveCmd.Flags().StringVar(&roomID, "room-id", identity.DefaultRoomID, "Room salt")
	_ = deriveCmd.MarkFlagRequired("room")

	rootCmd.AddCommand(startCmd, deriveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("room") {
		cfg.Room.Name = roomName
	}
	if flags.Changed("password") {
		cfg.Room.Password = password
	}
	if flags.Changed("room-id") {
		cfg.Room.ID = roomID
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("Node close", zap.Error(err))
		}
	}()

	return node.NewController(cfg, n, logger).Run(context.Background())
}

func runDerive(cmd *cobra.Command, args []string) error {
	rendezvous := identity.Derive(roomID, roomName, password)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "rendezvous: %s\n", rendezvous)
	fmt.Fprintf(out, "private:    %t\n", password != "")
	if err := identity.Validate(rendezvous); err != nil {
		return err
	}
	return nil
}
