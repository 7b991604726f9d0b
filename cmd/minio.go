package cmd

import (
	"fmt"
	"time"

	"audiosplit/storage"

	"github.com/spf13/cobra"
)

var (
	minioOlderThan time.Duration
	minioDelete    string
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "Inspect and clean up stored segment sessions",
	Long:  `List sessions uploaded for reference delivery, delete one session, or purge sessions older than a given age.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.ReferenceDeliveryEnabled() {
			return fmt.Errorf("MINIO_ENDPOINT is not set")
		}
		ctx := cmd.Context()

		store, err := storage.NewSegmentStore(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Printf("MinIO: %s, Bucket: %s\n", cfg.MinioEndpoint, store.Bucket())

		switch {
		case minioDelete != "":
			if err := store.DeleteSession(ctx, minioDelete); err != nil {
				return err
			}
			fmt.Printf("Deleted session %s\n", minioDelete)
		case minioOlderThan > 0:
			purged, err := store.PurgeOlderThan(ctx, minioOlderThan)
			for _, id := range purged {
				fmt.Printf("Purged session %s\n", id)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%d sessions purged\n", len(purged))
		default:
			sessions, err := store.ListSessions(ctx)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s  %3d objects  %10s  %s\n",
					s.SessionID, s.Objects, storage.FormatSize(s.TotalSize),
					s.LastModified.Format(time.RFC3339))
			}
			fmt.Printf("%d sessions\n", len(sessions))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().DurationVar(&minioOlderThan, "older-than", 0, "purge sessions whose newest object is older than this")
	minioCmd.Flags().StringVarP(&minioDelete, "delete", "d", "", "delete a single session by id")

	minioCmd.Example = `  # list stored sessions
  audiosplit minio

  # purge sessions older than a day
  audiosplit minio --older-than 24h

  # delete one session
  audiosplit minio -d 6f1c7a52-3c39-4a47-9d57-2f0f7f3a1e55`
}
