package cmd

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psantana5/vidcoord/pkg/catalog"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/query"
)

var (
	videoTitle       string
	videoDescription string
	videoPrivacy     string
	videoBlobHandle  string
)

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "Manage videos",
}

var videosUploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a source video",
	Args:  cobra.ExactArgs(1),
	RunE:  runVideosUpload,
}

var videosRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a video whose media is already stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := catalog.CreateVideoRequest{
			Title:       videoTitle,
			Description: videoDescription,
			Privacy:     models.Privacy(videoPrivacy),
			BlobHandle:  videoBlobHandle,
		}
		var v models.Video
		if err := call(http.MethodPost, "/videos", req, &v, http.StatusCreated); err != nil {
			return err
		}
		return printVideo(&v)
	},
}

var videosGetCmd = &cobra.Command{
	Use:   "get <video-id>",
	Short: "Show a video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var v models.Video
		if err := call(http.MethodGet, "/videos/"+url.PathEscape(args[0]), nil, &v, http.StatusOK); err != nil {
			return err
		}
		return printVideo(&v)
	},
}

var videosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List videos",
	RunE:  runVideosList,
}

var videosJobsCmd = &cobra.Command{
	Use:   "jobs <video-id>",
	Short: "List the jobs of a video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listJobs("/videos/" + url.PathEscape(args[0]) + "/jobs")
	},
}

var videosUpdateCmd = &cobra.Command{
	Use:   "update <video-id>",
	Short: "Update title, description or privacy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch models.VideoPatch
		if cmd.Flags().Changed("title") {
			patch.Title = &videoTitle
		}
		if cmd.Flags().Changed("description") {
			patch.Description = &videoDescription
		}
		if cmd.Flags().Changed("privacy") {
			p := models.Privacy(videoPrivacy)
			patch.Privacy = &p
		}
		var v models.Video
		if err := call(http.MethodPatch, "/videos/"+url.PathEscape(args[0]), patch, &v, http.StatusOK); err != nil {
			return err
		}
		return printVideo(&v)
	},
}

var videosDeleteCmd = &cobra.Command{
	Use:   "delete <video-id>",
	Short: "Delete a video, cancelling its active jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(http.MethodDelete, "/videos/"+url.PathEscape(args[0]), nil, nil, http.StatusNoContent); err != nil {
			return err
		}
		fmt.Printf("Video %s deleted\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(videosCmd)
	videosCmd.AddCommand(videosUploadCmd, videosRegisterCmd, videosGetCmd, videosListCmd, videosJobsCmd, videosUpdateCmd, videosDeleteCmd)

	for _, c := range []*cobra.Command{videosUploadCmd, videosRegisterCmd, videosUpdateCmd} {
		c.Flags().StringVar(&videoTitle, "title", "", "video title")
		c.Flags().StringVar(&videoDescription, "description", "", "video description")
		c.Flags().StringVar(&videoPrivacy, "privacy", "", "public, private or unlisted")
	}
	videosRegisterCmd.Flags().StringVar(&videoBlobHandle, "blob", "", "handle of the stored media (e.g. gs://bucket/key)")
	videosRegisterCmd.MarkFlagRequired("title")

	addListFlags(videosListCmd)
	addListFlags(videosJobsCmd)
}

func runVideosUpload(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	// Stream the multipart body instead of buffering the whole file.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUpload(mw, f, filepath.Base(args[0]))
		pw.CloseWithError(err)
	}()

	req, err := newRequest(http.MethodPost, "/videos", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var v models.Video
	if err := send(req, &v, http.StatusCreated); err != nil {
		return err
	}
	return printVideo(&v)
}

func writeUpload(mw *multipart.Writer, f io.Reader, name string) error {
	for field, value := range map[string]string{"title": videoTitle, "description": videoDescription, "privacy": videoPrivacy} {
		if value == "" {
			continue
		}
		if err := mw.WriteField(field, value); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

func runVideosList(cmd *cobra.Command, args []string) error {
	var page query.Page[*models.Video]
	if err := call(http.MethodGet, "/videos"+listQuery(), nil, &page, http.StatusOK); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(page)
	}
	if len(page.Items) == 0 {
		fmt.Println("No videos found")
		return nil
	}
	table := newTable("ID", "Title", "Owner", "Privacy", "Status", "Created")
	for _, v := range page.Items {
		table.Append([]string{v.ID, v.Title, v.OwnerID, string(v.Privacy), string(v.Status), formatTime(&v.CreatedAt)})
	}
	if err := table.Render(); err != nil {
		return err
	}
	p := page.Pagination
	fmt.Printf("\nPage %d of %d (%d videos)\n", p.CurrentPage, p.TotalPages, p.TotalCount)
	return nil
}

func printVideo(v *models.Video) error {
	if IsJSONOutput() {
		return printJSON(v)
	}
	table := newTable("Field", "Value")
	table.Append([]string{"ID", v.ID})
	table.Append([]string{"Title", v.Title})
	table.Append([]string{"Owner", v.OwnerID})
	table.Append([]string{"Privacy", string(v.Privacy)})
	table.Append([]string{"Status", string(v.Status)})
	if v.BlobHandle != "" {
		table.Append([]string{"Media", v.BlobHandle})
	}
	table.Append([]string{"Created", formatTime(&v.CreatedAt)})
	table.Append([]string{"Updated", formatTime(&v.UpdatedAt)})
	return table.Render()
}
