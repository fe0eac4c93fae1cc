package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/brewery-modbus"
	"github.com/edgeo-scada/brewery-modbus/internal/netinfo"
	"github.com/edgeo-scada/brewery-modbus/internal/plant"
)

var registersCmd = &cobra.Command{
	Use:   "registers [fermenter...]",
	Short: "Print the register map for the configured layout",
	Long: `Print the absolute address of every chiller and fermenter field for the
configured layout. Fermenters are placed in the order given, or the
configured simulation fermenters when none are named.`,
	Example: `  brewsim registers
  brewsim registers FV101 FV102 -o json`,
	RunE: runRegisters,
}

var netinfoCmd = &cobra.Command{
	Use:   "netinfo",
	Short: "Show the addresses a gateway can use to reach this host",
	Args:  cobra.NoArgs,
	RunE:  runNetinfo,
}

func init() {
	registersCmd.Flags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")
	netinfoCmd.Flags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")
}

func runRegisters(cmd *cobra.Command, args []string) error {
	ids := args
	if len(ids) == 0 {
		ids = cfg.Simulation.Fermenters
	}

	mgr, err := plant.NewManager(modbus.NewStore(cfg.Store.Size), append(cfg.PlantOptions(), plant.WithLogger(logger))...)
	if err != nil {
		return fmt.Errorf("plant layout: %w", err)
	}
	for _, id := range ids {
		if _, err := mgr.AddFermenter(id); err != nil {
			return err
		}
	}
	return outputRegisterMap(mgr.GetRegisterMap())
}

func runNetinfo(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info := netinfo.Gather(ctx, cfg.Server.Port)
	if outputFmt == "json" {
		return printJSON(info)
	}

	state := color(colorRed, info.PortState)
	if info.PortState == netinfo.PortOpen {
		state = color(colorGreen, info.PortState)
	}
	fmt.Printf("Hostname:  %s\n", info.Hostname)
	fmt.Printf("Local IP:  %s\n", info.LocalIP)
	fmt.Printf("All IPs:   %v\n", info.AllIPs)
	fmt.Printf("Port %d:  %s\n", info.Port, state)
	for _, e := range info.Errors {
		fmt.Printf("  warning: %s\n", e)
	}
	return nil
}
