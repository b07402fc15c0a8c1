package search

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

func TestBuildDocumentNestsLiveGridItemsSorted(t *testing.T) {
	exhibitID := uuid.NewString()
	grid := store.Record{Kind: store.KindGrid, ID: uuid.NewString(), ExhibitID: exhibitID, ParentID: exhibitID, Title: "Grid"}
	child := func(order int, deleted bool) store.Record {
		return store.Record{
			Kind: store.KindGridItem, ID: uuid.NewString(), ExhibitID: exhibitID, ParentID: grid.ID,
			Order: order, IsDeleted: deleted,
		}
	}
	children := []store.Record{child(2, false), child(0, false), child(1, true), child(1, false)}

	doc := BuildDocument(grid, children)

	require.Len(t, doc.Items, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{doc.Items[0].Order, doc.Items[1].Order, doc.Items[2].Order})
	assert.Equal(t, children[1].ID, doc.Items[0].UUID)
	assert.Equal(t, children[3].ID, doc.Items[1].UUID)
	for _, item := range doc.Items {
		assert.Equal(t, store.KindGridItem, item.Kind)
		assert.Equal(t, grid.ID, item.ParentID)
		assert.Empty(t, item.Items)
	}
}

func TestBuildDocumentIgnoresChildrenForFlatKinds(t *testing.T) {
	item := store.Record{Kind: store.KindItem, ID: uuid.NewString(), Title: "Item"}
	doc := BuildDocument(item, []store.Record{{Kind: store.KindGridItem, ID: uuid.NewString()}})
	assert.Nil(t, doc.Items)
	assert.Equal(t, "Item", doc.Title)
}

func TestBuildDocumentKeepsEmptyItemsForGrids(t *testing.T) {
	timeline := store.Record{Kind: store.KindTimeline, ID: uuid.NewString()}
	doc := BuildDocument(timeline, nil)
	require.NotNil(t, doc.Items)
	assert.Empty(t, doc.Items)
}

func TestTreeProjections(t *testing.T) {
	exhibit := store.Record{Kind: store.KindExhibit, ID: uuid.NewString(), HeroImage: "hero.png"}
	heading := store.Record{Kind: store.KindHeading, ID: uuid.NewString(), Order: 1}
	grid := store.Record{Kind: store.KindGrid, ID: uuid.NewString(), Order: 0}
	gridItem := store.Record{Kind: store.KindGridItem, ID: uuid.NewString(), ParentID: grid.ID}
	tree := Tree{Exhibit: exhibit, Components: []Branch{
		{Record: grid, Children: []store.Record{gridItem}},
		{Record: heading},
	}}

	docs := tree.Documents()
	require.Len(t, docs, 3)
	assert.Equal(t, exhibit.ID, docs[0].UUID)
	assert.Equal(t, "hero.png", docs[0].HeroImage)
	assert.Len(t, docs[1].Items, 1)

	preview := tree.PreviewDocument()
	assert.True(t, preview.IsPreview)
	require.Len(t, preview.Items, 2)
	assert.Equal(t, grid.ID, preview.Items[0].UUID)
	assert.Equal(t, gridItem.ID, preview.Items[0].Items[0].UUID)

	assert.Equal(t, []string{gridItem.ID, grid.ID, heading.ID, exhibit.ID}, tree.IDs())
}
