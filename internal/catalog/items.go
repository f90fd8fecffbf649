package catalog

import (
	"path"
	"regexp"
	"strings"

	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/geometry"
	"github.com/rkm/opr-stac/internal/metadata"
	"github.com/rkm/opr-stac/internal/opr"
	"github.com/rkm/opr-stac/internal/stac"
)

// Item and collection property names.
const (
	PropDate       = "opr:date"
	PropSegment    = "opr:segment"
	PropFrame      = geometry.PropFrame
	PropFrequency  = "opr:frequency"
	PropBandwidth  = "opr:bandwidth"
	PropHemisphere = "opr:hemisphere"
	PropProvider   = "opr:provider"
	PropDOI        = "sci:doi"
	PropCitation   = "sci:citation"
)

// Asset keys that do not name a data product.
const (
	AssetData       = "data"
	AssetThumbnail  = "thumbnails"
	AssetFlightPath = "flight_path"
)

var frameSuffixPattern = regexp.MustCompile(`_(\d+)\.mat$`)

// frameSuffix returns the zero-padded frame digits of a filename, as used in
// image names.
func frameSuffix(filename string) string {
	if m := frameSuffixPattern.FindStringSubmatch(filename); m != nil {
		return m[1]
	}
	return ""
}

// AssetRef identifies one frame file for href construction.
type AssetRef struct {
	BaseURL  string
	Campaign string
	FlightID string
	Filename string
	Frame    string
}

// AssetHref returns base_url + campaign/product/flight_id/filename.
func AssetHref(ref AssetRef, product string) string {
	return ref.BaseURL + path.Join(ref.Campaign, product, ref.FlightID, ref.Filename)
}

// ImageHref returns the href of a per-frame image under the campaign's
// images directory.
func ImageHref(ref AssetRef, imagesDir, suffix string) string {
	name := ref.FlightID
	if ref.Frame != "" {
		name += "_" + ref.Frame
	}
	return ref.BaseURL + path.Join(ref.Campaign, imagesDir, ref.FlightID, name+suffix)
}

// addAssets attaches one asset per product holding the file, the primary
// product again under "data", and the two image assets. Nothing is checked
// on disk.
func addAssets(item *stac.Item, ref AssetRef, cfg *config.Config, flight opr.Flight, mimeType string) {
	for _, product := range cfg.Data.Products() {
		if _, ok := flight.DataFiles[product][ref.Filename]; !ok {
			continue
		}
		mt := mimeType
		if mt == "" {
			mt = mediaTypeFor(ref.Filename)
		}
		asset := &stac.Asset{
			Href:  AssetHref(ref, product),
			Title: product,
			Type:  mt,
			Roles: []string{"data"},
		}
		item.Assets[product] = asset
		if product == cfg.Data.PrimaryProduct {
			item.Assets[AssetData] = asset
		}
	}

	item.Assets[AssetThumbnail] = &stac.Asset{
		Href:  ImageHref(ref, cfg.Assets.ImagesDir, cfg.Assets.ThumbnailSuffix),
		Title: "Echogram with layer picks",
		Type:  stac.MediaTypeJPEG,
		Roles: []string{"thumbnail"},
	}
	item.Assets[AssetFlightPath] = &stac.Asset{
		Href:  ImageHref(ref, cfg.Assets.ImagesDir, cfg.Assets.FlightPathSuffix),
		Title: "Flight path map",
		Type:  stac.MediaTypeJPEG,
		Roles: []string{"overview"},
	}
}

// mediaTypeFor guesses a media type from a file name.
func mediaTypeFor(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".mat"):
		return metadata.MimeMATLAB
	case strings.HasSuffix(name, ".h5"), strings.HasSuffix(name, ".hdf5"):
		return metadata.MimeHDF5
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return stac.MediaTypeJPEG
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".json"):
		return stac.MediaTypeJSON
	case strings.HasSuffix(name, ".parquet"):
		return stac.MediaTypeParquet
	default:
		return "application/octet-stream"
	}
}
