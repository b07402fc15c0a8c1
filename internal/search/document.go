package search

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

// Document is the public projection of a store record. Grids and timelines
// carry their live child items nested in Items.
type Document struct {
	UUID        string          `json:"uuid"`
	Kind        store.Kind      `json:"kind"`
	Type        string          `json:"type,omitempty"`
	ExhibitID   string          `json:"is_member_of_exhibit,omitempty"`
	ParentID    string          `json:"is_member_of,omitempty"`
	Title       string          `json:"title,omitempty"`
	Text        string          `json:"text,omitempty"`
	Description string          `json:"description,omitempty"`
	Media       string          `json:"media,omitempty"`
	Thumbnail   string          `json:"thumbnail,omitempty"`
	HeroImage   string          `json:"hero_image,omitempty"`
	Styles      json.RawMessage `json:"styles,omitempty"`
	Properties  json.RawMessage `json:"properties,omitempty"`
	Order       int             `json:"order"`
	IsPublished bool            `json:"is_published"`
	IsPreview   bool            `json:"is_preview,omitempty"`
	Items       []Document      `json:"items,omitempty"`
	Created     time.Time       `json:"created"`
	Updated     time.Time       `json:"updated"`
}

// BuildDocument projects record into a document. For grids and timelines the
// live entries of children become Items, sorted by order; children are ignored
// for every other kind.
func BuildDocument(record store.Record, children []store.Record) Document {
	doc := projectRecord(record)
	if _, nests := record.Kind.ChildKind(); !nests {
		return doc
	}
	doc.Items = make([]Document, 0, len(children))
	for _, child := range children {
		if child.IsDeleted {
			continue
		}
		doc.Items = append(doc.Items, projectRecord(child))
	}
	sortItems(doc.Items)
	return doc
}

func projectRecord(record store.Record) Document {
	doc := Document{
		UUID:        record.ID,
		Kind:        record.Kind,
		Type:        record.Type,
		Title:       record.Title,
		Text:        record.Text,
		Description: record.Description,
		Media:       record.Media,
		Thumbnail:   record.Thumbnail,
		Styles:      record.Styles,
		Properties:  record.Properties,
		Order:       record.Order,
		IsPublished: record.IsPublished,
		Created:     record.Created,
		Updated:     record.Updated,
	}
	if record.Kind == store.KindExhibit {
		doc.HeroImage = record.HeroImage
		doc.IsPreview = record.IsPreview
		return doc
	}
	doc.ExhibitID = record.ExhibitID
	doc.ParentID = record.ParentID
	return doc
}

// sortItems orders nested items by order; equal orders keep their relative position.
func sortItems(items []Document) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Order < items[j].Order
	})
}

// Branch is one live component of an exhibit with its live nested items.
type Branch struct {
	Record   store.Record
	Children []store.Record
}

// Tree is the live content of one exhibit as read from the store.
type Tree struct {
	Exhibit    store.Record
	Components []Branch
}

// Documents returns the exhibit document followed by one document per component.
func (t Tree) Documents() []Document {
	docs := make([]Document, 0, len(t.Components)+1)
	docs = append(docs, BuildDocument(t.Exhibit, nil))
	for _, branch := range t.Components {
		docs = append(docs, BuildDocument(branch.Record, branch.Children))
	}
	return docs
}

// PreviewDocument nests every component document under the exhibit.
func (t Tree) PreviewDocument() Document {
	doc := BuildDocument(t.Exhibit, nil)
	doc.IsPreview = true
	doc.Items = make([]Document, 0, len(t.Components))
	for _, branch := range t.Components {
		doc.Items = append(doc.Items, BuildDocument(branch.Record, branch.Children))
	}
	sortItems(doc.Items)
	return doc
}

// IDs lists every record id in the tree, nested items first and the exhibit last.
func (t Tree) IDs() []string {
	ids := make([]string, 0, len(t.Components)+1)
	for _, branch := range t.Components {
		for _, child := range branch.Children {
			ids = append(ids, child.ID)
		}
	}
	for _, branch := range t.Components {
		ids = append(ids, branch.Record.ID)
	}
	return append(ids, t.Exhibit.ID)
}
