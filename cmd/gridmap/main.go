// Command gridmap inspects and manages the map store shared with programs
// that embed the gridmap library. It reads results, renders error reports,
// and cleans up finished maps; live lifecycle operations (hold, release,
// vacate, rerun) belong to the program that owns the scheduler, so its
// remove marks a map removed without scheduler confirmation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/gridmap/gridmap/internal/shared/logging"
	"github.com/gridmap/gridmap/pkg/gridmap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	settings, err := gridmap.LoadSettings(*configPath)
	if err != nil {
		fail(err)
	}
	logger := logging.New(os.Stderr, slog.LevelWarn)
	client, err := gridmap.NewWithLogger(settings, nil, logger)
	if err != nil {
		fail(err)
	}

	ctx := context.Background()
	command, rest := args[0], args[1:]
	switch command {
	case "status":
		err = statusCmd(ctx, client, rest)
	case "tags":
		err = tagsCmd(client, rest)
	case "components":
		err = componentsCmd(ctx, client, rest)
	case "errors":
		err = errorsCmd(ctx, client, rest)
	case "holds":
		err = holdsCmd(ctx, client, rest)
	case "remove":
		err = removeCmd(ctx, client, rest)
	case "clean":
		err = cleanCmd(ctx, client, rest)
	case "rename":
		err = renameCmd(ctx, client, rest)
	default:
		fmt.Fprintf(os.Stderr, "gridmap: unknown command %q\n\n", command)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fail(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: gridmap [-config file] <command> [arguments]

Commands:
  status [-json]                 summarize every stored map
  tags [pattern ...]             list tags, optionally glob-filtered
  components [-json] <tag>       per-component status and usage
  errors <tag>                   render stored error reports
  holds <tag>                    list held components with reasons
  remove <tag> ...               mark maps removed (no scheduler confirmation)
  clean [-all] [-force] [tag ..] delete stored maps; default sweeps settled
                                 transient maps only
  rename <tag> <new-tag>         move a map to a new tag
`)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "gridmap:", err)
	os.Exit(1)
}

func statusCmd(ctx context.Context, client *gridmap.Client, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON instead of a table")
	fs.Parse(args)

	rows, err := client.ListMaps(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no maps")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tTOTAL\tIDLE\tRUNNING\tHELD\tERRORED\tCOMPLETED\tREMOVED\tDISK\tNOTES")
	for _, row := range rows {
		var notes []string
		if row.Transient {
			notes = append(notes, "transient")
		}
		if row.Removed {
			notes = append(notes, "removed")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			row.Tag, row.Components,
			row.Counts.Idle, row.Counts.Running, row.Counts.Held,
			row.Counts.Errored, row.Counts.Completed, row.Counts.Removed,
			humanBytes(row.DiskBytes), strings.Join(notes, ","))
	}
	return w.Flush()
}

func tagsCmd(client *gridmap.Client, patterns []string) error {
	tags, err := client.Tags(patterns...)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		fmt.Println(tag)
	}
	return nil
}

type componentRow struct {
	Component    int    `json:"component"`
	Status       string `json:"status"`
	Runtime      string `json:"runtime"`
	PeakMemoryMB int64  `json:"peak_memory_mb"`
}

func componentsCmd(ctx context.Context, client *gridmap.Client, args []string) error {
	fs := flag.NewFlagSet("components", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON instead of a table")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("components needs exactly one tag")
	}

	m, err := client.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	statuses, err := m.ComponentStatuses(ctx)
	if err != nil {
		return err
	}
	usage, err := m.Usage(ctx)
	if err != nil {
		return err
	}

	rows := make([]componentRow, len(statuses))
	for i, s := range statuses {
		rows[i] = componentRow{
			Component:    i,
			Status:       string(s),
			Runtime:      usage[i].Runtime.String(),
			PeakMemoryMB: usage[i].PeakMemoryMB,
		}
	}
	if *asJSON {
		return printJSON(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tSTATUS\tRUNTIME\tMEMORY_MB")
	for _, row := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", row.Component, row.Status, row.Runtime, row.PeakMemoryMB)
	}
	return w.Flush()
}

func errorsCmd(ctx context.Context, client *gridmap.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("errors needs exactly one tag")
	}
	m, err := client.Load(args[0])
	if err != nil {
		return err
	}
	reports, err := m.ErrorReports(ctx)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Println("no error reports")
		return nil
	}
	for _, report := range reports {
		fmt.Println(report.Render(m.Tag()))
	}
	return nil
}

func holdsCmd(ctx context.Context, client *gridmap.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("holds needs exactly one tag")
	}
	m, err := client.Load(args[0])
	if err != nil {
		return err
	}
	holds, err := m.Holds(ctx)
	if err != nil {
		return err
	}
	if len(holds) == 0 {
		fmt.Println("no held components")
		return nil
	}

	components := make([]int, 0, len(holds))
	for i := range holds {
		components = append(components, i)
	}
	sort.Ints(components)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tCODE\tREASON")
	for _, i := range components {
		fmt.Fprintf(w, "%d\t%d\t%s\n", i, holds[i].Code, holds[i].Reason)
	}
	return w.Flush()
}

func removeCmd(ctx context.Context, client *gridmap.Client, tags []string) error {
	if len(tags) == 0 {
		return fmt.Errorf("remove needs at least one tag")
	}
	for _, tag := range tags {
		if err := client.ForceRemove(ctx, tag); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", tag)
	}
	return nil
}

func cleanCmd(ctx context.Context, client *gridmap.Client, args []string) error {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	all := fs.Bool("all", false, "clean every settled map, not just transient ones")
	force := fs.Bool("force", false, "clean even with live components")
	fs.Parse(args)

	cleanOne := client.Clean
	if *force {
		cleanOne = client.ForceClean
	}

	if tags := fs.Args(); len(tags) > 0 {
		for _, tag := range tags {
			if err := cleanOne(ctx, tag); err != nil {
				return err
			}
			fmt.Printf("cleaned %s\n", tag)
		}
		return nil
	}

	if !*all {
		return client.CleanTransient(ctx)
	}

	tags, err := client.Tags()
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if err := cleanOne(ctx, tag); err != nil {
			var active *gridmap.ActiveComponentsError
			if errors.As(err, &active) {
				fmt.Fprintf(os.Stderr, "keeping %s: %d components still active\n", tag, active.Active)
				continue
			}
			return err
		}
		fmt.Printf("cleaned %s\n", tag)
	}
	return nil
}

func renameCmd(ctx context.Context, client *gridmap.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("rename needs a tag and a new tag")
	}
	m, err := client.Load(args[0])
	if err != nil {
		return err
	}
	if err := m.Rename(ctx, args[1]); err != nil {
		return err
	}
	fmt.Printf("renamed %s to %s\n", args[0], args[1])
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
