package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/brewery-modbus"
	"github.com/edgeo-scada/brewery-modbus/internal/plant"
)

var (
	watchInterval  time.Duration
	watchCount     int
	watchClearTerm bool
	watchLogFile   string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously monitor a block on a running slave",
	Long: `Poll the chiller or a fermenter block at a fixed interval and show the
decoded fields, highlighting values that changed since the last poll.`,
	Example: `  # Watch the chiller every 5 seconds
  brewsim watch chiller -i 5s -H 192.168.1.100

  # Watch fermenter slot 1 and log every poll to CSV
  brewsim watch fermenter 1 --log fv.csv`,
}

var watchChillerCmd = &cobra.Command{
	Use:   "chiller",
	Short: "Watch the chiller block",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchBlock("Chiller", plant.ChillerLayout, cfg.Plant.ChillerBase)
	},
}

var watchFermenterCmd = &cobra.Command{
	Use:   "fermenter <slot>",
	Short: "Watch a fermenter block by slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := strconv.Atoi(args[0])
		if err != nil || slot < 0 {
			return fmt.Errorf("invalid slot %q", args[0])
		}
		return watchBlock(fmt.Sprintf("Fermenter slot %d", slot), plant.FermenterLayout, cfg.Plant.FermenterAddress(slot))
	},
}

func init() {
	watchCmd.AddCommand(watchChillerCmd)
	watchCmd.AddCommand(watchFermenterCmd)

	watchCmd.PersistentFlags().StringVarP(&readHost, "host", "H", "localhost", "Slave host")
	watchCmd.PersistentFlags().IntVarP(&readPort, "port", "p", modbus.DefaultPort, "Slave port")
	watchCmd.PersistentFlags().Uint8VarP(&readUnit, "unit", "u", 1, "Unit ID")
	watchCmd.PersistentFlags().DurationVarP(&readTimeout, "timeout", "t", 5*time.Second, "Operation timeout")
	watchCmd.PersistentFlags().DurationVarP(&watchInterval, "interval", "i", time.Second, "Poll interval")
	watchCmd.PersistentFlags().IntVarP(&watchCount, "iterations", "n", 0, "Number of iterations (0 = infinite)")
	watchCmd.PersistentFlags().BoolVar(&watchClearTerm, "clear", true, "Clear terminal between updates")
	watchCmd.PersistentFlags().StringVar(&watchLogFile, "log", "", "Log values to file (CSV format)")

	rootCmd.AddCommand(watchCmd)
}

type watchState struct {
	client     *modbus.Client
	prev       map[string]uint16
	iterations int
	errors     int
	startTime  time.Time
	logWriter  *csv.Writer
	logFile    *os.File
}

func watchBlock(title string, layout plant.Layout, base uint16) error {
	client, err := modbus.NewClient(fmt.Sprintf("%s:%d", readHost, readPort),
		modbus.WithUnitID(modbus.UnitID(readUnit)),
		modbus.WithTimeout(readTimeout),
		modbus.WithAutoReconnect(true),
		modbus.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, readTimeout)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	s := &watchState{client: client, startTime: time.Now()}
	if watchLogFile != "" {
		f, err := os.OpenFile(watchLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		s.logFile = f
		s.logWriter = csv.NewWriter(f)
		defer s.cleanup()
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		s.poll(ctx, title, layout, base)
		if watchCount > 0 && s.iterations >= watchCount {
			break
		}
		select {
		case <-ctx.Done():
			s.printSummary()
			return nil
		case <-ticker.C:
		}
	}
	s.printSummary()
	return nil
}

func (s *watchState) cleanup() {
	s.logWriter.Flush()
	s.logFile.Close()
}

func (s *watchState) poll(ctx context.Context, title string, layout plant.Layout, base uint16) {
	s.iterations++
	now := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, readTimeout)
	regs, err := s.client.ReadInputRegisters(reqCtx, base, uint16(layout.Len()))
	cancel()
	if err != nil {
		s.errors++
		fmt.Fprintf(os.Stderr, "%s %s read failed: %v\n", now.Format("15:04:05"), color(colorRed, "ERROR"), err)
		return
	}
	readings, err := layout.Decode(base, regs)
	if err != nil {
		s.errors++
		return
	}

	if watchClearTerm {
		fmt.Print("\033[H\033[2J")
	}
	fmt.Printf("%s  %s  poll #%d\n", color(colorBold, title), now.Format("2006-01-02 15:04:05"), s.iterations)
	fmt.Println(strings.Repeat("-", 48))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tFIELD\tRAW\tVALUE")
	next := make(map[string]uint16, len(readings))
	for _, r := range readings {
		value := fmt.Sprintf("%g", r.Value)
		if old, ok := s.prev[r.Name]; ok && old != r.Raw {
			value = color(colorGreen, value+" *")
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", r.Address, r.Name, r.Raw, value)
		next[r.Name] = r.Raw
	}
	w.Flush()
	s.prev = next

	if s.logWriter != nil {
		row := []string{now.Format(time.RFC3339)}
		for _, r := range readings {
			row = append(row, strconv.FormatFloat(r.Value, 'f', -1, 64))
		}
		s.logWriter.Write(row)
		s.logWriter.Flush()
	}
}

func (s *watchState) printSummary() {
	fmt.Printf("\n%d polls, %d errors in %s\n", s.iterations, s.errors, time.Since(s.startTime).Round(time.Second))
}
