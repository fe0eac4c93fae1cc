package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/brewery-modbus"
	"github.com/edgeo-scada/brewery-modbus/internal/plant"
)

var (
	readHost    string
	readPort    int
	readUnit    uint8
	readTimeout time.Duration
	readAddr    uint16
	readCount   uint16
	outputFmt   string
)

var readCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"r"},
	Short:   "Read blocks from a running slave",
	Long:    `Read and decode the chiller or a fermenter block, the setpoint mirrors, or raw registers from a running slave.`,
}

var readChillerCmd = &cobra.Command{
	Use:   "chiller",
	Short: "Read the chiller block (FC04)",
	Example: `  brewsim read chiller -H 192.168.1.100
  brewsim r chiller -o json`,
	Args: cobra.NoArgs,
	RunE: runReadChiller,
}

var readFermenterCmd = &cobra.Command{
	Use:   "fermenter <slot>",
	Short: "Read a fermenter block by slot (FC04)",
	Example: `  brewsim read fermenter 0
  brewsim r fermenter 1 -H 192.168.1.100`,
	Args: cobra.ExactArgs(1),
	RunE: runReadFermenter,
}

var readSetpointsCmd = &cobra.Command{
	Use:   "setpoints",
	Short: "Read the setpoint mirrors (FC03)",
	Example: `  brewsim read setpoints -c 4`,
	Args:    cobra.NoArgs,
	RunE:    runReadSetpoints,
}

var readInputCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Read raw input registers (FC04)",
	Example: `  brewsim read ir -a 30001 -c 10`,
	Args:    cobra.NoArgs,
	RunE:    runReadRaw(modbus.InputRegisters),
}

var readHoldingCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Read raw holding registers (FC03)",
	Example: `  brewsim read hr -a 40001 -c 3`,
	Args:    cobra.NoArgs,
	RunE:    runReadRaw(modbus.HoldingRegisters),
}

func init() {
	readCmd.AddCommand(readChillerCmd)
	readCmd.AddCommand(readFermenterCmd)
	readCmd.AddCommand(readSetpointsCmd)
	readCmd.AddCommand(readInputCmd)
	readCmd.AddCommand(readHoldingCmd)

	readCmd.PersistentFlags().StringVarP(&readHost, "host", "H", "localhost", "Slave host")
	readCmd.PersistentFlags().IntVarP(&readPort, "port", "p", modbus.DefaultPort, "Slave port")
	readCmd.PersistentFlags().Uint8VarP(&readUnit, "unit", "u", 1, "Unit ID")
	readCmd.PersistentFlags().DurationVarP(&readTimeout, "timeout", "t", 5*time.Second, "Operation timeout")
	readCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")

	for _, cmd := range []*cobra.Command{readInputCmd, readHoldingCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 1, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of registers to read")
	}
	readSetpointsCmd.Flags().Uint16VarP(&readCount, "count", "c", 3, "Number of mirrors to read, chiller first")
}

func runReadChiller(cmd *cobra.Command, args []string) error {
	base := cfg.Plant.ChillerBase
	return readBlock("Chiller", plant.ChillerLayout, base)
}

func runReadFermenter(cmd *cobra.Command, args []string) error {
	slot, err := strconv.Atoi(args[0])
	if err != nil || slot < 0 {
		return fmt.Errorf("invalid slot %q", args[0])
	}
	base := cfg.Plant.FermenterAddress(slot)
	return readBlock(fmt.Sprintf("Fermenter slot %d", slot), plant.FermenterLayout, base)
}

func readBlock(title string, layout plant.Layout, base uint16) error {
	var regs []uint16
	err := withClient(func(ctx context.Context, c *modbus.Client) error {
		var err error
		regs, err = c.ReadInputRegisters(ctx, base, uint16(layout.Len()))
		if err != nil {
			return fmt.Errorf("read %s block failed: %w", layout.Name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	readings, err := layout.Decode(base, regs)
	if err != nil {
		return err
	}
	return outputReadings(title, readings)
}

func runReadSetpoints(cmd *cobra.Command, args []string) error {
	base := cfg.Plant.ChillerMirror()
	var regs []uint16
	err := withClient(func(ctx context.Context, c *modbus.Client) error {
		var err error
		regs, err = c.ReadHoldingRegisters(ctx, base, readCount)
		if err != nil {
			return fmt.Errorf("read setpoints failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	chiller := plant.ChillerLayout.Fields[plant.ChillerLayout.Setpoint]
	fermenter := plant.FermenterLayout.Fields[plant.FermenterLayout.Setpoint]
	readings := make([]plant.Reading, len(regs))
	for i, raw := range regs {
		f, name := fermenter, fmt.Sprintf("fermenter_%d_setpoint", i-1)
		if i == 0 {
			f, name = chiller, "chiller_setpoint"
		}
		readings[i] = plant.Reading{Name: name, Address: base + uint16(i), Raw: raw, Value: f.Decode(raw)}
	}
	return outputReadings("Setpoints", readings)
}

func runReadRaw(space modbus.Space) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var regs []uint16
		err := withClient(func(ctx context.Context, c *modbus.Client) error {
			var err error
			if space == modbus.InputRegisters {
				regs, err = c.ReadInputRegisters(ctx, readAddr, readCount)
			} else {
				regs, err = c.ReadHoldingRegisters(ctx, readAddr, readCount)
			}
			if err != nil {
				return fmt.Errorf("read %s failed: %w", space, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return outputRaw(space.String(), readAddr, regs)
	}
}

func withClient(fn func(ctx context.Context, c *modbus.Client) error) error {
	addr := fmt.Sprintf("%s:%d", readHost, readPort)
	client, err := modbus.NewClient(addr,
		modbus.WithUnitID(modbus.UnitID(readUnit)),
		modbus.WithTimeout(readTimeout),
		modbus.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	return fn(ctx, client)
}
