package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"enhanced/internal/service"
	"enhanced/pkg/types"
)

// runResult is what `enhanced run` prints: the finished job and, when it
// succeeded, the exported files.
type runResult struct {
	Job    types.JobInfo       `json:"job"`
	Export *types.ExportResult `json:"export,omitempty"`
}

func newRunCmd(opts *cliOptions) *cobra.Command {
	var (
		image         string
		models        []string
		out           string
		pipeline      string
		strength      float64
		maintainScale bool
		tileSize      int
		masks         []string
		invertedMasks []string
	)
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Enhance one image, wait for it and export the outputs",
		Example: "  enhanced run --image IMG_0001.jpg --models up4x,sharpen-s --out ./enhanced",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if image == "" || len(models) == 0 || out == "" {
				return errors.New("--image, --models and --out are required")
			}
			req := types.SubmitRequest{
				ImagePath: image,
				Models:    models,
				Pipeline:  types.Pipeline(pipeline),
			}
			for _, p := range masks {
				req.Masks = append(req.Masks, types.MaskRef{Path: p})
			}
			for _, p := range invertedMasks {
				req.Masks = append(req.Masks, types.MaskRef{Path: p, Inverted: true})
			}
			flags := cmd.Flags()
			if flags.Changed("strength") {
				req.Strength = &strength
			}
			if flags.Changed("maintain-scale") {
				req.MaintainScale = &maintainScale
			}
			if flags.Changed("tile-size") {
				req.TileSize = &tileSize
			}
			return opts.withService(cmd, true, func(ctx context.Context, svc *service.Service) error {
				res, err := runOnce(ctx, svc, req, out)
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&image, "image", "", "Source image path")
	f.StringSliceVar(&models, "models", nil, "Comma-separated model ids, in stage order")
	f.StringVar(&out, "out", "", "Directory receiving the outputs")
	f.StringVar(&pipeline, "pipeline", "", "fanout (each model on the original) or chain")
	f.Float64Var(&strength, "strength", 0, "Blend strength for sharpen/denoise outputs (0..1]")
	f.BoolVar(&maintainScale, "maintain-scale", false, "Downscale upscale outputs back to the source size")
	f.IntVar(&tileSize, "tile-size", 0, "Tile size in pixels (0 = whole image)")
	f.StringArrayVar(&masks, "mask", nil, "Mask image limiting where models apply (repeatable)")
	f.StringArrayVar(&invertedMasks, "inverted-mask", nil, "Mask image excluding its bright area (repeatable)")
	return cmd
}

// runOnce submits req, waits for the job and exports it into out. Interrupts
// cancel the job before returning.
func runOnce(ctx context.Context, svc *service.Service, req types.SubmitRequest, out string) (runResult, error) {
	id, err := svc.Submit(ctx, req)
	if err != nil {
		return runResult{}, err
	}
	info, err := svc.AwaitJob(ctx, id)
	if err != nil {
		_ = svc.CancelJob(id)
		// Wait for the cancellation to land so the printed state is final.
		info, _ = svc.AwaitJob(context.Background(), id)
		return runResult{Job: info}, err
	}
	res := runResult{Job: info}
	if info.Status != types.JobDone {
		return res, fmt.Errorf("job %s %s: %s", id, info.Status, info.Error)
	}
	exp, err := svc.Export(id, out)
	if err != nil {
		return res, err
	}
	res.Export = &exp
	return res, nil
}
