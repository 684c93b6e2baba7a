package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"arcadiaforge/internal/artifact"
	"arcadiaforge/internal/store"
)

var (
	artifactsSession int
	artifactsFeature int
	artifactsType    string
	artifactsLimit   int
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List evidence files stored by sessions",
	Long: `Sessions copy verification screenshots and other evidence under
<project>/artifacts/ and index them in the database. This lists the
index; 'artifacts show' resolves one entry to its file on disk.`,
	RunE: runArtifacts,
}

var artifactsShowCmd = &cobra.Command{
	Use:   "show <artifact-id>",
	Short: "Show one artifact and its path on disk",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsShow,
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject(nil)
	if err != nil {
		return err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := artifact.NewStore(dir, st).List(store.ArtifactFilter{
		SessionID:    artifactsSession,
		FeatureIndex: artifactsFeature,
		Type:         artifactsType,
		Limit:        artifactsLimit,
	})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No matching artifacts.")
		return nil
	}
	for _, a := range list {
		fmt.Println(artifact.Summary(a))
	}
	return nil
}

func runArtifactsShow(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject(nil)
	if err != nil {
		return err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	arts := artifact.NewStore(dir, st)
	a, err := arts.Get(args[0])
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("artifact %s not found", args[0])
	}
	path, err := arts.Path(a.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s, session %d)\n", a.ID, a.Type, a.SessionID)
	if a.FeatureIndex != nil {
		fmt.Printf("Feature:   #%d\n", *a.FeatureIndex)
	}
	if a.Description != "" {
		fmt.Printf("About:     %s\n", a.Description)
	}
	fmt.Printf("Path:      %s\n", path)
	fmt.Printf("Size:      %d bytes\n", a.SizeBytes)
	fmt.Printf("Checksum:  %s\n", a.Checksum)
	fmt.Printf("Stored:    %s\n", a.CreatedAt.Format("2006-01-02 15:04"))
	return nil
}

func init() {
	artifactsCmd.Flags().IntVar(&artifactsSession, "session", 0, "Filter by session (0 = any)")
	artifactsCmd.Flags().IntVar(&artifactsFeature, "feature", -1, "Filter by feature index (-1 = any)")
	artifactsCmd.Flags().StringVar(&artifactsType, "type", "", "Filter by artifact type")
	artifactsCmd.Flags().IntVar(&artifactsLimit, "limit", 50, "Maximum artifacts")

	artifactsCmd.AddCommand(artifactsShowCmd)
	rootCmd.AddCommand(artifactsCmd)
}
