// Package request defines the wire-format work requests consumed from the
// queues and their validation rules. Region requests are self-contained so
// any worker in the fleet can process one without the originating image
// request.
package request

import (
	"encoding/json"
	"fmt"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/distill"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/endpoint"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/imagery"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/sink"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/tiler"
)

// ValidationError marks a permanently malformed request: the job is failed
// and the message acked, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Tile size bounds accepted on requests, in pixels.
const (
	MinTileSize = 1
	MaxTileSize = 16384
)

// ImageRequest is an image processing request from the image queue.
type ImageRequest struct {
	JobName             string              `json:"jobName"`
	JobID               string              `json:"jobId"`
	ImageURLs           []string            `json:"imageUrls"`
	Outputs             []sink.Output       `json:"outputs"`
	Processor           endpoint.Descriptor `json:"imageProcessor"`
	TileSize            int                 `json:"imageProcessorTileSize"`
	TileOverlap         int                 `json:"imageProcessorTileOverlap"`
	TileFormat          imagery.Format      `json:"imageProcessorTileFormat"`
	TileCompression     imagery.Compression `json:"imageProcessorTileCompression"`
	RegionSize          int                 `json:"regionSize,omitempty"`
	FeatureDistillation string              `json:"featureDistillation,omitempty"`

	// Legacy single-output form, migrated into Outputs by Parse.
	OutputBucket string `json:"outputBucket,omitempty"`
	OutputPrefix string `json:"outputPrefix,omitempty"`
}

// ParseImageRequest decodes and normalizes an image request message.
func ParseImageRequest(data []byte) (*ImageRequest, error) {
	var req ImageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, invalid("malformed JSON: %v", err)
	}
	if len(req.Outputs) == 0 && req.OutputBucket != "" && req.OutputPrefix != "" {
		req.Outputs = []sink.Output{{Type: sink.TypeS3, Bucket: req.OutputBucket, Prefix: req.OutputPrefix}}
	}
	return &req, nil
}

// Validate checks required fields and parameter bounds. Failures are
// permanent: the job is marked FAILED and the message acknowledged.
func (r *ImageRequest) Validate() error {
	if r.JobID == "" {
		return invalid("jobId is required")
	}
	if len(r.ImageURLs) == 0 {
		return invalid("imageUrls must contain at least one URL")
	}
	if len(r.Outputs) == 0 {
		return invalid("outputs must contain at least one destination")
	}
	for _, out := range r.Outputs {
		if out.Type != sink.TypeS3 && out.Type != sink.TypeKinesis {
			return invalid("unknown output type %q", out.Type)
		}
	}
	if r.Processor.Name == "" || r.Processor.URL == "" {
		return invalid("imageProcessor name and url are required")
	}
	if r.TileSize < MinTileSize || r.TileSize > MaxTileSize {
		return invalid("tile size %d outside [%d, %d]", r.TileSize, MinTileSize, MaxTileSize)
	}
	if r.TileOverlap < 0 || r.TileOverlap >= r.TileSize {
		return invalid("tile overlap %d must be in [0, tile size)", r.TileOverlap)
	}
	if err := imagery.ValidateFormat(r.TileFormat, r.TileCompression); err != nil {
		return invalid("%v", err)
	}
	if _, ok := distill.ParseMode(r.FeatureDistillation); !ok {
		return invalid("unknown featureDistillation mode %q", r.FeatureDistillation)
	}
	if r.RegionSize < 0 {
		return invalid("regionSize must be non-negative")
	}
	if r.RegionSize > 0 && r.RegionSize < r.TileSize {
		return invalid("regionSize %d smaller than tile size %d", r.RegionSize, r.TileSize)
	}
	return nil
}

// PrimaryImageURL returns the first image URL; additional URLs reference
// supporting data for the same acquisition.
func (r *ImageRequest) PrimaryImageURL() string {
	if len(r.ImageURLs) == 0 {
		return ""
	}
	return r.ImageURLs[0]
}

// DistillationMode returns the parsed distillation mode. Validate has
// already established it parses.
func (r *ImageRequest) DistillationMode() distill.Mode {
	mode, _ := distill.ParseMode(r.FeatureDistillation)
	return mode
}

// RegionRequest is a region processing request from the region queue,
// derived from an image request during planning.
type RegionRequest struct {
	JobID               string              `json:"jobId"`
	RegionID            string              `json:"regionId"`
	ImageURL            string              `json:"imageUrl"`
	Bounds              tiler.Rect          `json:"bounds"`
	TileSize            int                 `json:"tileSize"`
	TileOverlap         int                 `json:"tileOverlap"`
	TileFormat          imagery.Format      `json:"tileFormat"`
	TileCompression     imagery.Compression `json:"tileCompression"`
	Processor           endpoint.Descriptor `json:"imageProcessor"`
	Outputs             []sink.Output       `json:"outputs"`
	FeatureDistillation string              `json:"featureDistillation,omitempty"`
}

// RegionID formats the ledger/queue identifier for a region rectangle.
func RegionID(jobID string, bounds tiler.Rect) string {
	return fmt.Sprintf("%d%d-%s", bounds.Y, bounds.X, jobID)
}

// DeriveRegionRequest builds the self-contained request for one planned
// region of an image.
func DeriveRegionRequest(img *ImageRequest, bounds tiler.Rect) *RegionRequest {
	return &RegionRequest{
		JobID:               img.JobID,
		RegionID:            RegionID(img.JobID, bounds),
		ImageURL:            img.PrimaryImageURL(),
		Bounds:              bounds,
		TileSize:            img.TileSize,
		TileOverlap:         img.TileOverlap,
		TileFormat:          img.TileFormat,
		TileCompression:     img.TileCompression,
		Processor:           img.Processor,
		Outputs:             img.Outputs,
		FeatureDistillation: img.FeatureDistillation,
	}
}

// ParseRegionRequest decodes a region request message.
func ParseRegionRequest(data []byte) (*RegionRequest, error) {
	var req RegionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, invalid("malformed JSON: %v", err)
	}
	if req.JobID == "" || req.RegionID == "" || req.ImageURL == "" {
		return nil, invalid("region request missing jobId, regionId, or imageUrl")
	}
	if req.Bounds.Width < 1 || req.Bounds.Height < 1 {
		return nil, invalid("region bounds are empty")
	}
	return &req, nil
}

// Encode serializes a region request for the queue.
func (r *RegionRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DistillationMode returns the parsed distillation mode.
func (r *RegionRequest) DistillationMode() distill.Mode {
	mode, _ := distill.ParseMode(r.FeatureDistillation)
	return mode
}
