package iotdevice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// uploadGrant is the hub's answer to an upload request: scoped storage
// credentials for one object.
type uploadGrant struct {
	CorrelationID   string `json:"correlationId"`
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	ObjectName      string `json:"objectName"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Region          string `json:"region"`
	UseSSL          bool   `json:"useSSL"`
}

type uploadNotification struct {
	CorrelationID     string `json:"correlationId"`
	IsSuccess         bool   `json:"isSuccess"`
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
}

// UploadFile streams size bytes from r into hub-backed storage under
// blobName. The hub issues single-object credentials, the upload goes
// straight to storage, and a completion notification closes the grant
// either way.
func (c *Client) UploadFile(ctx context.Context, blobName string, r io.Reader, size int64) error {
	grant, err := c.requestUpload(ctx, blobName)
	if err != nil {
		return err
	}

	uploadErr := c.putObject(ctx, grant, r, size)

	note := uploadNotification{
		CorrelationID:     grant.CorrelationID,
		IsSuccess:         uploadErr == nil,
		StatusCode:        200,
		StatusDescription: "upload complete",
	}
	if uploadErr != nil {
		note.StatusCode = 500
		note.StatusDescription = uploadErr.Error()
	}
	if err := c.notifyUpload(ctx, &note); err != nil {
		if uploadErr != nil {
			return uploadErr
		}
		return err
	}
	return uploadErr
}

func (c *Client) requestUpload(ctx context.Context, blobName string) (*uploadGrant, error) {
	body, err := json.Marshal(map[string]string{"blobName": blobName})
	if err != nil {
		return nil, err
	}
	resp, err := c.deviceREST(ctx, http.MethodPost, "files", body)
	if err != nil {
		return nil, fmt.Errorf("requesting upload grant: %w", err)
	}
	var grant uploadGrant
	if err := json.Unmarshal(resp, &grant); err != nil {
		return nil, fmt.Errorf("decoding upload grant: %w", err)
	}
	if grant.Endpoint == "" || grant.Bucket == "" {
		return nil, errors.New("iotdevice: upload grant is missing storage coordinates")
	}
	return &grant, nil
}

func (c *Client) putObject(ctx context.Context, grant *uploadGrant, r io.Reader, size int64) error {
	mc, err := minio.New(grant.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(grant.AccessKeyID, grant.SecretAccessKey, grant.SessionToken),
		Region:    grant.Region,
		Secure:    grant.UseSSL,
		Transport: c.http.Transport,
	})
	if err != nil {
		return fmt.Errorf("creating storage client: %w", err)
	}
	if _, err := mc.PutObject(ctx, grant.Bucket, grant.ObjectName, r, size, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("uploading %s: %w", grant.ObjectName, err)
	}
	return nil
}

func (c *Client) notifyUpload(ctx context.Context, note *uploadNotification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	if _, err := c.deviceREST(ctx, http.MethodPost, "files/notifications", body); err != nil {
		return fmt.Errorf("notifying upload completion: %w", err)
	}
	return nil
}

// deviceREST performs one SAS-authenticated call against the hub's
// device-facing HTTP surface.
func (c *Client) deviceREST(ctx context.Context, method, resource string, body []byte) ([]byte, error) {
	if c.tokenGen == nil {
		return nil, errors.New("iotdevice: hub HTTP surface requires shared access key credentials")
	}
	tok, err := c.tokenGen.Current()
	if err != nil {
		return nil, err
	}

	u := url.URL{
		Scheme:   "https",
		Host:     c.hostname,
		Path:     "/devices/" + url.PathEscape(c.deviceID) + "/" + resource,
		RawQuery: "api-version=" + apiVersion,
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", tok.String())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("hub returned %d for %s %s", resp.StatusCode, method, u.Path)
	}
	return data, nil
}
