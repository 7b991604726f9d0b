package cmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"audiosplit/core/audio"
	"audiosplit/core/splitter"
	"audiosplit/core/workspace"
	"audiosplit/model"

	"github.com/spf13/cobra"
)

var (
	splitSegmentTime string
	splitOutDir      string
)

var splitCmd = &cobra.Command{
	Use:   "split <file>",
	Short: "Split a local audio file without starting the server",
	Long:  `Run the same segmentation pipeline as the HTTP service on a local file and write the segments to a directory.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
			return fmt.Errorf("failed to create work directory %s: %w", cfg.WorkDir, err)
		}
		svc := splitter.NewService(
			workspace.NewManager(cfg.WorkDir),
			audio.NewFFmpegProcessor(cfg.FFmpegPath, cfg.FFmpegTimeout),
			nil, nil,
			splitter.Options{
				SegmentExt:         cfg.SegmentExt,
				DefaultSegmentTime: cfg.DefaultSegmentTime,
				MaxSegmentTime:     cfg.MaxSegmentTime,
				MaxConcurrentJobs:  1,
			},
		)

		job, err := svc.NewJob(filepath.Ext(args[0]), svc.SegmentTime(splitSegmentTime), model.DeliveryInline)
		if err != nil {
			return err
		}
		if _, err := svc.WriteInput(job, in); err != nil {
			svc.Release(job)
			return err
		}

		resp, err := svc.Execute(cmd.Context(), job)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(splitOutDir, 0755); err != nil {
			return err
		}
		for _, seg := range resp.Segments {
			data, err := base64.StdEncoding.DecodeString(seg.Data)
			if err != nil {
				return err
			}
			dst := filepath.Join(splitOutDir, seg.FileName)
			if err := os.WriteFile(dst, data, 0644); err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", dst, strconv.FormatInt(seg.Size, 10))
		}
		fmt.Printf("%d segments written (session %s)\n", resp.TotalSegments, resp.SessionID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(splitCmd)

	splitCmd.Flags().StringVarP(&splitSegmentTime, "segment-time", "t", "", "segment length in seconds (default from DEFAULT_SEGMENT_TIME)")
	splitCmd.Flags().StringVarP(&splitOutDir, "out", "o", "segments", "directory to write segments into")
}
