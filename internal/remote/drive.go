package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/mpetrovs/keebsync/internal/logging"
	"github.com/mpetrovs/keebsync/internal/models"
)

const (
	defaultAPIBase    = "https://www.googleapis.com/drive/v3"
	defaultUploadBase = "https://www.googleapis.com/upload/drive/v3"

	appDataSpace = "appDataFolder"
)

// DriveStore talks to the provider's file API over HTTPS+JSON, scoped to the
// private app-data area the user never sees in their own file listing.
type DriveStore struct {
	apiBase    string
	uploadBase string
	client     *http.Client
	tokens     TokenSource
	log        logging.Logger
}

// NewDriveStore builds the default remote backend.
func NewDriveStore(tokens TokenSource, log logging.Logger) *DriveStore {
	return &DriveStore{
		apiBase:    defaultAPIBase,
		uploadBase: defaultUploadBase,
		client:     &http.Client{Timeout: 60 * time.Second},
		tokens:     tokens,
		log:        log,
	}
}

// NewDriveStoreAt is NewDriveStore with overridable endpoints, for tests.
func NewDriveStoreAt(apiBase, uploadBase string, tokens TokenSource, log logging.Logger) *DriveStore {
	s := NewDriveStore(tokens, log)
	s.apiBase = apiBase
	s.uploadBase = uploadBase
	return s
}

func (s *DriveStore) do(ctx context.Context, method, rawURL string, contentType string, body io.Reader) (*http.Response, error) {
	token, err := s.tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return s.client.Do(req)
}

func readError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("remote api: %s: %s", resp.Status, strings.TrimSpace(string(b)))
}

type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ModifiedTime string `json:"modifiedTime"`
}

type driveFileList struct {
	Files         []driveFile `json:"files"`
	NextPageToken string      `json:"nextPageToken"`
}

// ListFiles enumerates the app-data area, following pagination.
func (s *DriveStore) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var out []FileInfo
	pageToken := ""

	for {
		q := url.Values{
			"spaces":   {appDataSpace},
			"fields":   {"nextPageToken, files(id, name, modifiedTime)"},
			"pageSize": {"100"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		resp, err := s.do(ctx, http.MethodGet, s.apiBase+"/files?"+q.Encode(), "", nil)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			err = readError(resp)
			resp.Body.Close()
			return nil, err
		}

		var list driveFileList
		err = json.NewDecoder(resp.Body).Decode(&list)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		for _, f := range list.Files {
			out = append(out, FileInfo{
				ID:           f.ID,
				Name:         f.Name,
				ModifiedTime: models.ParseTime(f.ModifiedTime),
			})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

// DownloadFile fetches the file content (alt=media) and parses the envelope.
func (s *DriveStore) DownloadFile(ctx context.Context, id string) (*models.SyncEnvelope, error) {
	resp, err := s.do(ctx, http.MethodGet, s.apiBase+"/files/"+url.PathEscape(id)+"?alt=media", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var env models.SyncEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}

// UploadFile PATCHes the media of an existing file, or multipart-creates a
// new one inside the app-data space.
func (s *DriveStore) UploadFile(ctx context.Context, name string, env *models.SyncEnvelope, existingID string) (string, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	if existingID != "" {
		resp, err := s.do(ctx, http.MethodPatch,
			s.uploadBase+"/files/"+url.PathEscape(existingID)+"?uploadType=media",
			"application/json", bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", readError(resp)
		}
		return existingID, nil
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := mw.CreatePart(metaHeader)
	if err != nil {
		return "", err
	}
	meta := map[string]any{"name": name, "parents": []string{appDataSpace}}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return "", err
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", "application/json")
	mediaPart, err := mw.CreatePart(mediaHeader)
	if err != nil {
		return "", err
	}
	if _, err := mediaPart.Write(payload); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	resp, err := s.do(ctx, http.MethodPost,
		s.uploadBase+"/files?uploadType=multipart",
		"multipart/related; boundary="+mw.Boundary(), body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readError(resp)
	}

	var created driveFile
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("parse create response: %w", err)
	}
	return created.ID, nil
}

// DeleteFile removes a file, tolerating 404 for already-gone files.
func (s *DriveStore) DeleteFile(ctx context.Context, id string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.apiBase+"/files/"+url.PathEscape(id), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return readError(resp)
	}
}

// DeleteAllFiles wipes the whole app-data area, e.g. on "reset sync data".
func (s *DriveStore) DeleteAllFiles(ctx context.Context) error {
	return s.deleteWhere(ctx, func(FileInfo) bool { return true })
}

// DeleteFilesByPrefix removes the files of sync units sharing a prefix, e.g.
// every unit of one keyboard.
func (s *DriveStore) DeleteFilesByPrefix(ctx context.Context, prefix string) error {
	return s.deleteWhere(ctx, func(f FileInfo) bool { return strings.HasPrefix(f.Name, prefix) })
}

func (s *DriveStore) deleteWhere(ctx context.Context, match func(FileInfo) bool) error {
	files, err := s.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if !match(f) {
			continue
		}
		if err := s.DeleteFile(ctx, f.ID); err != nil {
			return err
		}
	}
	return nil
}
