// Package tools defines the request and response schemas shared by the
// HTTP API and the MCP tools of the ImageSearch service.
package tools

import (
	"github.com/localrivet/imagesearch/internal/search"
)

const (
	// ToolSearchByImage is the name of the search_by_image MCP tool
	ToolSearchByImage = "search_by_image"

	// ToolIndexImage is the name of the index_image MCP tool
	ToolIndexImage = "index_image"

	StatusSuccess = "success"
	StatusError   = "error"
)

// SearchRequest is the body of POST /api/search and the input of the
// search_by_image tool.
type SearchRequest struct {
	// ImageURL is the query image
	ImageURL string `json:"image_url"`

	// Threshold is the minimum cosine similarity. When omitted,
	// search.DefaultThreshold (or the configured default) is used.
	Threshold *float64 `json:"threshold,omitempty"`

	// IncludeScores adds the per-match cosine scores to the response
	IncludeScores bool `json:"include_scores,omitempty"`
}

// ResolveThreshold returns the requested threshold or def.
func (r SearchRequest) ResolveThreshold(def float64) float64 {
	if r.Threshold == nil {
		return def
	}
	return *r.Threshold
}

// ErrorDetail describes why a request was rejected.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SearchResponse is returned for every search, including failed ones.
type SearchResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	// Matches holds the matched image URLs by descending similarity
	Matches []string `json:"matches"`

	// MatchingImages mirrors Matches for older clients
	MatchingImages []string `json:"matching_images"`

	// Scores is parallel to Matches when include_scores was set
	Scores []float64 `json:"scores,omitempty"`

	// Failure names the dependency that failed ("fetch", "decode", "model", "store")
	Failure string `json:"failure,omitempty"`

	// Error is set when the request itself was invalid
	Error *ErrorDetail `json:"error,omitempty"`
}

// NewSearchResponse builds the response for a search outcome.
func NewSearchResponse(res *search.Result, includeScores bool) SearchResponse {
	urls := res.URLs()
	resp := SearchResponse{
		Status:         StatusSuccess,
		Matches:        urls,
		MatchingImages: urls,
		Failure:        string(res.Failure),
	}
	if includeScores {
		resp.Scores = make([]float64, len(res.Matches))
		for i, m := range res.Matches {
			resp.Scores[i] = m.Score
		}
	}
	return resp
}

// NewSearchError builds the response for a rejected search.
func NewSearchError(errType, message string) SearchResponse {
	return SearchResponse{
		Status:         StatusError,
		Matches:        []string{},
		MatchingImages: []string{},
		Error:          &ErrorDetail{Type: errType, Message: message},
	}
}

// IndexImageRequest defines the input schema for index_image tool
type IndexImageRequest struct {
	// ImageURL is the image to embed and store
	ImageURL string `json:"image_url"`
}

// IndexImageResponse defines the output schema for index_image tool
type IndexImageResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	ImageURL   string `json:"image_url"`
	Dimensions int    `json:"dimensions,omitempty"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`
}
