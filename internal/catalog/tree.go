package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/rkm/opr-stac/internal/stac"
)

// File names of the hierarchical layout.
const (
	CatalogFile    = "catalog.json"
	CollectionFile = "collection.json"
)

func link(rel, href, mediaType string) *stac.Link {
	return &stac.Link{Rel: rel, Href: href, Type: mediaType}
}

// WriteTree writes a self-contained hierarchical catalog under dir:
// catalog.json, one collection.json per campaign and flight, and one JSON
// file per item, joined by relative links. Inputs are not modified.
func WriteTree(dir string, root *stac.Catalog, campaigns []*CampaignCollection) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create catalog directory: %w", err)
	}

	cat := *root
	cat.Links = []*stac.Link{
		link("root", "./"+CatalogFile, stac.MediaTypeJSON),
		link("self", "./"+CatalogFile, stac.MediaTypeJSON),
	}
	for _, c := range campaigns {
		l := link("child", "./"+path.Join(c.Collection.Id, CollectionFile), stac.MediaTypeJSON)
		l.Title = c.Collection.Description
		cat.Links = append(cat.Links, l)
	}
	if err := writeJSON(filepath.Join(dir, CatalogFile), &cat); err != nil {
		return err
	}

	for _, c := range campaigns {
		if err := writeCampaign(dir, c); err != nil {
			return fmt.Errorf("campaign %s: %w", c.Collection.Id, err)
		}
	}
	return nil
}

func writeCampaign(dir string, c *CampaignCollection) error {
	cdir := filepath.Join(dir, c.Collection.Id)
	if err := os.MkdirAll(cdir, 0o755); err != nil {
		return err
	}

	coll := *c.Collection
	coll.Links = []*stac.Link{
		link("root", "../"+CatalogFile, stac.MediaTypeJSON),
		link("parent", "../"+CatalogFile, stac.MediaTypeJSON),
		link("self", "./"+CollectionFile, stac.MediaTypeJSON),
	}
	for _, f := range c.Flights {
		coll.Links = append(coll.Links, link("child", "./"+path.Join(f.Collection.Id, CollectionFile), stac.MediaTypeJSON))
	}
	for _, item := range c.Items {
		coll.Links = append(coll.Links, link("item", "./"+item.Id+".json", stac.MediaTypeGeoJSON))
	}
	if err := writeJSON(filepath.Join(cdir, CollectionFile), coll); err != nil {
		return err
	}

	for _, item := range c.Items {
		if err := writeItem(cdir, item, "../"+CatalogFile); err != nil {
			return err
		}
	}
	for _, f := range c.Flights {
		if err := writeFlight(cdir, f); err != nil {
			return fmt.Errorf("flight %s: %w", f.Collection.Id, err)
		}
	}
	return nil
}

func writeFlight(cdir string, f *FlightCollection) error {
	fdir := filepath.Join(cdir, f.Collection.Id)
	if err := os.MkdirAll(fdir, 0o755); err != nil {
		return err
	}

	coll := *f.Collection
	coll.Links = []*stac.Link{
		link("root", "../../"+CatalogFile, stac.MediaTypeJSON),
		link("parent", "../"+CollectionFile, stac.MediaTypeJSON),
		link("self", "./"+CollectionFile, stac.MediaTypeJSON),
	}
	for _, item := range f.Items {
		coll.Links = append(coll.Links, link("item", "./"+item.Id+".json", stac.MediaTypeGeoJSON))
	}
	if err := writeJSON(filepath.Join(fdir, CollectionFile), coll); err != nil {
		return err
	}

	for _, item := range f.Items {
		if err := writeItem(fdir, item, "../../"+CatalogFile); err != nil {
			return err
		}
	}
	return nil
}

func writeItem(dir string, item *stac.Item, rootHref string) error {
	cp := *item
	cp.Links = []*stac.Link{
		link("root", rootHref, stac.MediaTypeJSON),
		link("parent", "./"+CollectionFile, stac.MediaTypeJSON),
		link("collection", "./"+CollectionFile, stac.MediaTypeJSON),
		link("self", "./"+item.Id+".json", stac.MediaTypeGeoJSON),
	}
	return writeJSON(filepath.Join(dir, item.Id+".json"), &cp)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Tree is a catalog read back from disk.
type Tree struct {
	Catalog     *stac.Catalog
	Collections []*stac.Collection
	// Items maps collection id to the items linked from that collection.
	Items map[string][]*stac.Item
	// Children maps collection id to the ids of its child collections.
	Children map[string][]string
}

// ReadTree loads a hierarchical catalog written by WriteTree, following
// child and item links from catalog.json.
func ReadTree(dir string) (*Tree, error) {
	var cat stac.Catalog
	if err := readJSON(filepath.Join(dir, CatalogFile), &cat); err != nil {
		return nil, err
	}
	t := &Tree{
		Catalog:  &cat,
		Items:    make(map[string][]*stac.Item),
		Children: make(map[string][]string),
	}
	for _, l := range cat.Links {
		if l.Rel != "child" {
			continue
		}
		if _, err := t.readCollection(filepath.Join(dir, filepath.FromSlash(l.Href))); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) readCollection(file string) (string, error) {
	var coll stac.Collection
	if err := readJSON(file, &coll); err != nil {
		return "", err
	}
	t.Collections = append(t.Collections, &coll)

	base := filepath.Dir(file)
	for _, l := range coll.Links {
		target := filepath.Join(base, filepath.FromSlash(l.Href))
		switch l.Rel {
		case "child":
			id, err := t.readCollection(target)
			if err != nil {
				return "", err
			}
			t.Children[coll.Id] = append(t.Children[coll.Id], id)
		case "item":
			var item stac.Item
			if err := readJSON(target, &item); err != nil {
				return "", err
			}
			t.Items[coll.Id] = append(t.Items[coll.Id], &item)
		}
	}
	return coll.Id, nil
}
