package main

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/anyres/anyres/fs"
	"github.com/anyres/anyres/logutil"
	"github.com/anyres/anyres/model/models/llavanext"
)

type inspection struct {
	name     string
	size     image.Point
	grid     image.Point
	features int
}

// InspectHandler resolves the tile grid and packed feature length each
// image would occupy, without running any model.
func InspectHandler(cmd *cobra.Command, args []string) error {
	tileSize, _ := cmd.Flags().GetUint32("tile-size")
	patchSize, _ := cmd.Flags().GetUint32("patch-size")
	maxTiles, _ := cmd.Flags().GetUint32("max-tiles")
	slots, _ := cmd.Flags().GetInt("separator-slots")

	processor := llavanext.NewImageProcessor(fs.KV{
		"vision.tile_size":  tileSize,
		"vision.patch_size": patchSize,
		"vision.max_tiles":  maxTiles,
	})

	results := make([]inspection, len(args))

	var g errgroup.Group
	g.SetLimit(4)
	for i, name := range args {
		i, name := i, name
		g.Go(func() error {
			f, err := os.Open(name)
			if err != nil {
				return err
			}
			defer f.Close()

			cfg, format, err := image.DecodeConfig(f)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}

			size := image.Point{X: cfg.Width, Y: cfg.Height}
			grid := processor.Grid(size)

			slog.Debug("inspected image", "name", name, "format", format, "grid", grid)

			results[i] = inspection{
				name: name,
				size: size,
				grid: grid,
				features: grid.X*grid.Y*processor.TileSeqLen() +
					(grid.Y-1)*slots,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Image", "Size", "Grid", "Tiles", "Features"})
	table.SetBorder(false)
	for _, r := range results {
		table.Append([]string{
			r.name,
			fmt.Sprintf("%dx%d", r.size.X, r.size.Y),
			fmt.Sprintf("%dx%d", r.grid.X, r.grid.Y),
			strconv.Itoa(r.grid.X * r.grid.Y),
			strconv.Itoa(r.features),
		})
	}
	table.Render()

	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "anyres",
		Short:         "Variable-resolution multimodal batch tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if verbose, _ := cmd.Flags().GetCount("verbose"); verbose > 0 {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
	}
	rootCmd.PersistentFlags().CountP("verbose", "v", "Enable debug logging")

	inspectCmd := &cobra.Command{
		Use:   "inspect IMAGE...",
		Short: "Show the tile grid and feature length for images",
		Args:  cobra.MinimumNArgs(1),
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().Uint32("tile-size", 336, "Tile edge length in pixels")
	inspectCmd.Flags().Uint32("patch-size", 14, "Vision patch edge length in pixels")
	inspectCmd.Flags().Uint32("max-tiles", 4, "Maximum tiles per image")
	inspectCmd.Flags().Int("separator-slots", 1, "Embedding slots per row separator")

	rootCmd.AddCommand(inspectCmd)

	return rootCmd
}

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
