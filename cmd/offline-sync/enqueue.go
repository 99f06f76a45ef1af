package main

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/offline-sync/pkg/store"
	"github.com/zoff-tech/offline-sync/schema"
)

var (
	enqueueOrderingKey string
	latitude           float64
	longitude          float64
	workType           string
	category           string
	description        string
	anonymous          bool
	mediaPaths         []string
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue",
	GroupID: "queue",
	Short:   "Queue an operation for later delivery",
}

var enqueueCheckInCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Queue an attendance check-in",
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueue(cmd, schema.KindCheckIn, schema.CheckIn{
			WorkType:  workType,
			Location:  &schema.Location{Latitude: latitude, Longitude: longitude},
			Timestamp: time.Now().UTC(),
		})
	},
}

var enqueueCheckOutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Queue an attendance check-out",
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueue(cmd, schema.KindCheckOut, schema.CheckOut{
			Location:  &schema.Location{Latitude: latitude, Longitude: longitude},
			Timestamp: time.Now().UTC(),
		})
	},
}

var enqueueComplaintCmd = &cobra.Command{
	Use:   "complaint",
	Short: "Queue a complaint submission",
	RunE: func(cmd *cobra.Command, args []string) error {
		complaint := schema.Complaint{
			Category:    category,
			Description: description,
			Anonymous:   anonymous,
		}
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
			complaint.Location = &schema.Location{Latitude: latitude, Longitude: longitude}
		}
		for _, p := range mediaPaths {
			ref, err := mediaRef(p)
			if err != nil {
				return err
			}
			complaint.Media = append(complaint.Media, ref)
		}
		return enqueue(cmd, schema.KindComplaint, complaint)
	},
}

func init() {
	enqueueCmd.PersistentFlags().StringVar(&enqueueOrderingKey, "ordering-key", "", "replay after earlier operations sharing this key")

	for _, c := range []*cobra.Command{enqueueCheckInCmd, enqueueCheckOutCmd, enqueueComplaintCmd} {
		c.Flags().Float64Var(&latitude, "lat", 0, "latitude")
		c.Flags().Float64Var(&longitude, "lng", 0, "longitude")
	}
	for _, c := range []*cobra.Command{enqueueCheckInCmd, enqueueCheckOutCmd} {
		_ = c.MarkFlagRequired("lat")
		_ = c.MarkFlagRequired("lng")
	}

	enqueueCheckInCmd.Flags().StringVar(&workType, "work-type", "", "type of work being started")
	_ = enqueueCheckInCmd.MarkFlagRequired("work-type")

	enqueueComplaintCmd.Flags().StringVar(&category, "category", "", "complaint category")
	enqueueComplaintCmd.Flags().StringVar(&description, "description", "", "what happened (at least 10 characters)")
	enqueueComplaintCmd.Flags().BoolVar(&anonymous, "anonymous", false, "submit without identifying the member")
	enqueueComplaintCmd.Flags().StringSliceVar(&mediaPaths, "media", nil, "photo or video to attach (repeatable)")
	_ = enqueueComplaintCmd.MarkFlagRequired("category")
	_ = enqueueComplaintCmd.MarkFlagRequired("description")

	enqueueCmd.AddCommand(enqueueCheckInCmd, enqueueCheckOutCmd, enqueueComplaintCmd)
}

func enqueue(cmd *cobra.Command, kind schema.Kind, payload any) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var opts []store.EnqueueOption
	if enqueueOrderingKey != "" {
		opts = append(opts, store.WithOrderingKey(enqueueOrderingKey))
	}

	op, err := a.store.Enqueue(ctx, kind, payload, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Queued %s %s\n", renderPass("✓"), op.Kind, op.ID)
	return nil
}

// mediaRef turns a local path or URL into a reference the remote client can download.
func mediaRef(p string) (schema.MediaRef, error) {
	uri := p
	if !strings.Contains(p, "://") {
		abs, err := filepath.Abs(p)
		if err != nil {
			return schema.MediaRef{}, fmt.Errorf("invalid media path %q: %w", p, err)
		}
		uri = "file://" + abs
	}
	name := filepath.Base(p)
	return schema.MediaRef{
		URI:         uri,
		Name:        name,
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
	}, nil
}
