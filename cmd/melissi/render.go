package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"melissi-go/internal/config"
	"melissi-go/internal/melissi"
	"melissi-go/internal/model"
)

// stateColors maps engine states to ANSI colors. lipgloss drops the color
// when w is not a terminal.
var stateColors = map[melissi.State]lipgloss.Color{
	melissi.StateIdle:    lipgloss.Color("2"),
	melissi.StateWorking: lipgloss.Color("4"),
	melissi.StatePaused:  lipgloss.Color("3"),
	melissi.StateOffline: lipgloss.Color("1"),
	melissi.StateStalled: lipgloss.Color("1"),
}

func renderStatus(w io.Writer, st melissi.Status, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(st)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}

	r := lipgloss.NewRenderer(w)
	state := r.NewStyle().Bold(true).Foreground(stateColors[st.State]).Render(string(st.State))
	label := r.NewStyle().Faint(true)

	fmt.Fprintf(w, "%s %s\n", label.Render("state:   "), state)
	fmt.Fprintf(w, "%s %d ready, %d waiting, %d running, %d retrying\n",
		label.Render("queue:   "), st.Ready, st.Waiting, st.InFlight, st.Retrying)
	if st.LastError != "" {
		fmt.Fprintf(w, "%s %s\n", label.Render("error:   "), st.LastError)
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "%s %s\n", label.Render("updated: "), st.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func renderRecent(w io.Writer, recs []*model.FileRecord) {
	r := lipgloss.NewRenderer(w)
	dir := r.NewStyle().Foreground(lipgloss.Color("4"))
	faint := r.NewStyle().Faint(true)

	for _, rec := range recs {
		name := rec.Filename
		rev := "rev " + strconv.FormatInt(rec.Revision, 10)
		if rec.Directory {
			name = dir.Render(name + "/")
			rev = ""
		}
		when := ""
		if rec.Modified.Valid {
			when = rec.Modified.Time.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s  %s  %s\n", faint.Render(when), name, faint.Render(rev))
	}
}

func renderConfig(w io.Writer, cfg *config.Config) {
	r := lipgloss.NewRenderer(w)
	key := r.NewStyle().Bold(true)

	line := func(k, v string) {
		fmt.Fprintf(w, "%s %s\n", key.Render(fmt.Sprintf("%-13s", k+":")), v)
	}
	line("Base Dir", cfg.BaseDir)
	line("Log Dir", cfg.LogDir)
	line("Owner", cfg.Owner)
	line("Remote", strings.TrimSpace(cfg.Remote.Type+" "+cfg.Remote.URL))
	line("Credentials", cfg.Credentials.Type+" "+cfg.Credentials.Path)
	line("Database", strings.TrimSpace(cfg.Database.Type+" "+cfg.Database.DataDir))
	if cfg.Dashboard.Enabled {
		line("Dashboard", cfg.Dashboard.Listen)
	} else {
		line("Dashboard", "disabled")
	}
	roots := make([]string, 0, len(cfg.WatchRoots))
	for _, wr := range cfg.WatchRoots {
		roots = append(roots, wr.Path)
	}
	line("Watch Roots", strings.Join(roots, ", "))
}
