package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/edgeo-scada/brewery-modbus/internal/plant"
)

const (
	colorReset = "\033[0m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
	colorCyan  = "\033[36m"
	colorBold  = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

type RegisterResult struct {
	Address uint16 `json:"address"`
	Raw     uint16 `json:"raw"`
	Hex     string `json:"hex"`
	Signed  int16  `json:"signed"`
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputReadings(title string, readings []plant.Reading) error {
	if outputFmt == "json" {
		return printJSON(readings)
	}

	fmt.Printf("\n%s\n", color(colorBold, title))
	fmt.Println(strings.Repeat("-", 48))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tFIELD\tRAW\tVALUE")
	fmt.Fprintln(w, "-------\t-----\t---\t-----")
	for _, r := range readings {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", r.Address, r.Name, r.Raw, color(colorCyan, fmt.Sprintf("%g", r.Value)))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputRaw(title string, start uint16, regs []uint16) error {
	results := make([]RegisterResult, len(regs))
	for i, v := range regs {
		results[i] = RegisterResult{
			Address: start + uint16(i),
			Raw:     v,
			Hex:     fmt.Sprintf("0x%04X", v),
			Signed:  int16(v),
		}
	}
	if outputFmt == "json" {
		return printJSON(results)
	}

	fmt.Printf("\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, title), start, int(start)+len(regs)-1, len(regs))
	fmt.Println(strings.Repeat("-", 48))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tUINT16\tINT16\tHEX")
	fmt.Fprintln(w, "-------\t------\t-----\t---")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", r.Address, r.Raw, r.Signed, r.Hex)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func outputRegisterMap(rm plant.RegisterMap) error {
	if outputFmt == "json" {
		return printJSON(rm)
	}

	printFields := func(title string, fields map[string]uint16) {
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return fields[names[i]] < fields[names[j]] })

		fmt.Printf("\n%s\n", color(colorBold, title))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tFIELD")
		for _, name := range names {
			fmt.Fprintf(w, "%d\t%s\n", fields[name], name)
		}
		w.Flush()
	}

	printFields("Chiller", rm.Chiller)
	ids := make([]string, 0, len(rm.Fermenters))
	for id := range rm.Fermenters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return rm.Fermenters[ids[i]]["base_address"] < rm.Fermenters[ids[j]]["base_address"]
	})
	for _, id := range ids {
		printFields("Fermenter "+id, rm.Fermenters[id])
	}
	fmt.Println()
	return nil
}
