/*
Dokistry is a web interface for administering a docker registry.

  - Lists the repositories of a registry, with their tags, the size of each
    tagged image and the total storage per repository.
  - Resolves tags to manifest digests, and deletes tags.
  - Serves a JSON API under /api/ and HTML pages for browsing and deleting
    tags in a browser.
  - Users are kept in a builtin transactional database, and authenticate with
    HTTP basic authentication. Only admins can delete tags. Every deletion is
    recorded in an audit log shown on the dashboard.
  - Serves on two HTTP ports: 1. the web interface and API, 2. internal, for
    metrics.

# Quickstart

Write a config file, add a user and start serving:

	./dokistry describe >dokistry.conf
	# edit dokistry.conf, set Registry URL, Username, Password.
	./dokistry testconfig
	./dokistry user add admin
	./dokistry serve

The first user added becomes admin. The registry settings can also be set
through the environment variables REGISTRY_URL, REGISTRY_USERNAME and
REGISTRY_PASSWORD, which take precedence over the config file.

# Docker registries

A docker registry stores images as a JSON manifest that references a config
blob and layer blobs, all addressed by sha256 digest. A tag is a name for a
manifest digest. Multiplatform images have a list manifest (or OCI index),
referencing an image manifest per platform. Old registries may still serve
"schema 1" manifests, which list layers without sizes.

Dokistry computes the size of a tagged image as the size of its config blob
plus the sizes of its layers, as found in the manifest. For list manifests, the
first listed platform is used. Schema 1 manifests are estimated at 50MB per
layer.

Deleting a tag first tries to delete the manifest by tag name. Most registries
only allow deleting by digest, so on failure, the digest is looked up and the
manifest deleted by digest. Note that this removes the manifest, so all tags
pointing to the same manifest disappear. The registry must have deletes
enabled. Blob storage is not reclaimed until the registry garbage collector
runs, the dashboard shows the command for that.

# Caveats

  - Registry token authentication (as used by Docker Hub) is not supported,
    only HTTP basic authentication.
  - Sizes are compressed layer sizes as listed in manifests, layers shared
    between images are counted for each image.
*/
package main
