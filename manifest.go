package main

/*
https://distribution.github.io/distribution/spec/api/
https://distribution.github.io/distribution/spec/manifest-v2-2/
https://distribution.github.io/distribution/spec/deprecated-schema-v1/
*/

import (
	"encoding/json"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker manifest media types. The OCI types come from the image-spec package.
const (
	MediaTypeDockerV1       = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeDockerV1Signed = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	MediaTypeDockerV2       = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerList     = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// Sent as Accept header when fetching manifests. Registries fall back to
// converting to schema 1 when no acceptable type is listed, so we list all we
// can handle.
var manifestMediaTypes = []string{
	MediaTypeDockerV2,
	MediaTypeDockerList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	MediaTypeDockerV1Signed,
	MediaTypeDockerV1,
}

// Schema 1 manifests don't have layer sizes. We estimate each layer.
const v1LayerEstimate = 50 * 1024 * 1024

type ManifestKind byte

const (
	ManifestKindImage ManifestKind = iota + 1 // Docker v2 or OCI image, with config and layers.
	ManifestKindList                          // Multiplatform, docker list or OCI index.
	ManifestKindV1                            // Legacy schema 1, with fsLayers.
)

func (k ManifestKind) String() string {
	switch k {
	case ManifestKindImage:
		return "image"
	case ManifestKindList:
		return "list"
	case ManifestKindV1:
		return "v1"
	}
	return fmt.Sprintf("kind%d", byte(k))
}

// Manifest holds the fields of all manifest formats we handle: image
// manifests, multiplatform lists/indexes, and legacy schema 1 manifests. Which
// fields are set depends on the kind.
type Manifest struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType,omitempty"` // Optional for OCI, absent in schema 1.
	Config        *ocispec.Descriptor  `json:"config,omitempty"`
	Layers        []ocispec.Descriptor `json:"layers,omitempty"`
	Manifests     []ocispec.Descriptor `json:"manifests,omitempty"` // With Platform.

	// Schema 1 only.
	Name         string    `json:"name,omitempty"`
	Tag          string    `json:"tag,omitempty"`
	Architecture string    `json:"architecture,omitempty"`
	FSLayers     []FSLayer `json:"fsLayers,omitempty"`
	History      []History `json:"history,omitempty"`
}

// FSLayer is a layer in a schema 1 manifest, without size.
type FSLayer struct {
	BlobSum string `json:"blobSum"`
}

// History is the JSON-encoded v1 image config for a schema 1 layer.
type History struct {
	V1Compatibility string `json:"v1Compatibility"`
}

// parseManifest parses a manifest of any supported kind. Content type is the
// type from the response, used when the manifest itself has no media type.
func parseManifest(buf []byte, contentType string) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.MediaType == "" && contentType != "" && contentType != "application/json" {
		m.MediaType = contentType
	}
	return m, nil
}

func (m Manifest) Kind() ManifestKind {
	if m.SchemaVersion == 1 {
		return ManifestKindV1
	}
	switch m.MediaType {
	case MediaTypeDockerList, ocispec.MediaTypeImageIndex:
		return ManifestKindList
	}
	if len(m.Manifests) > 0 {
		return ManifestKindList
	}
	return ManifestKindImage
}

// imageSize returns the size of the config blob plus all layers, and the number
// of layers. For schema 1 manifests, layers are estimated. Lists have no size of
// their own, zero is returned.
func (m Manifest) imageSize() (size int64, layers int) {
	switch m.Kind() {
	case ManifestKindV1:
		return int64(len(m.FSLayers)) * v1LayerEstimate, len(m.FSLayers)
	case ManifestKindList:
		return 0, 0
	}
	if m.Config != nil {
		size += m.Config.Size
	}
	for _, l := range m.Layers {
		size += l.Size
	}
	return size, len(m.Layers)
}

// TagSize is the size of the image a tag points to.
type TagSize struct {
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	CompressedSize int64  `json:"compressedSize"` // Same as Size, manifests only list compressed sizes.
	Layers         int    `json:"layers"`
}
