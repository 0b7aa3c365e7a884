package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/yomiage/internal/tts"
)

var voicesCmd = &cobra.Command{
	Use:     "voices [FILTER]",
	Short:   "List the voices the engine offers",
	Long:    paragraph(fmt.Sprintf("\n%s the voices the VOICEVOX engine offers. A filter fuzzy matches speaker and style names, or selects a voice by ID.", keyword("List"))),
	Example: paragraph("yomiage voices\nyomiage voices zunda\nyomiage voices 3"),
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := tts.New(cfg.TTS(), log.Default())
		voices, err := client.Voices(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			voices = tts.Filter(voices, args[0])
			if len(voices) == 0 {
				return fmt.Errorf("no voices match %q", args[0])
			}
		}
		printVoices(os.Stdout, voices)
		return nil
	},
}

// printVoices writes an aligned table of voices. Names are padded by
// display width since most are full width.
func printVoices(w io.Writer, voices []tts.Voice) {
	idWidth, nameWidth := len("ID"), runewidth.StringWidth("SPEAKER")
	for _, v := range voices {
		idWidth = max(idWidth, len(strconv.Itoa(v.ID)))
		nameWidth = max(nameWidth, runewidth.StringWidth(v.Speaker))
	}

	header := fmt.Sprintf("%*s  %s  %s", idWidth, "ID", runewidth.FillRight("SPEAKER", nameWidth), "STYLE")
	fmt.Fprintln(w, render(headerStyle, header))
	for _, v := range voices {
		id := fmt.Sprintf("%*d", idWidth, v.ID)
		fmt.Fprintf(w, "%s  %s  %s\n",
			render(idStyle, id),
			runewidth.FillRight(v.Speaker, nameWidth),
			render(faintStyle, v.Style))
	}
}
