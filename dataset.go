package tabdb

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
)

// Dataset is the registry record of a tabular dataset.
type Dataset struct {
	ID       string `msgpack:"-"`
	ParentID string `msgpack:"p,omitempty"`

	// Schema is empty until the first successful save.
	Schema Schema `msgpack:"s"`

	// LinkedDatasets maps a group key (see GroupKey) to the ID of the
	// dataset holding aggregations over that grouping.
	LinkedDatasets map[string]string `msgpack:"ld,omitempty"`

	State   State `msgpack:"st"`
	NumRows int   `msgpack:"n"`

	// Version is bumped on every row-set mutation; summaries are stamped with it.
	Version uint64 `msgpack:"v"`

	Created time.Time `msgpack:"c"`
	Updated time.Time `msgpack:"u"`
}

func (ds *Dataset) IsReady() bool {
	return ds.State == StateReady
}

func (ds *Dataset) LabelsToSlugs() map[string]string {
	return ds.Schema.LabelsToSlugs()
}

func (ds *Dataset) SetLinkedDataset(groupKey, id string) {
	if ds.LinkedDatasets == nil {
		ds.LinkedDatasets = make(map[string]string)
	}
	ds.LinkedDatasets[groupKey] = id
}

func (ds *Dataset) ClearLinkedDatasets() {
	ds.LinkedDatasets = nil
}

// LinkedGroupKeys returns the group keys of linked datasets in sorted order.
func (ds *Dataset) LinkedGroupKeys() []string {
	return slices.Sorted(maps.Keys(ds.LinkedDatasets))
}

// StampDatasetID sets the scoping field of every row to the dataset's ID,
// overwriting whatever was there.
func (ds *Dataset) StampDatasetID(f *Frame) *Frame {
	out := f.Clone()
	if !out.HasColumn(DatasetIDField) {
		out.Columns = append(out.Columns, DatasetIDField)
	}
	for _, row := range out.Rows {
		row[DatasetIDField] = ds.ID
	}
	return out
}

// SplitGroups parses a comma-separated group specification.
func SplitGroups(spec string) []string {
	var groups []string
	for _, g := range strings.Split(spec, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// GroupKey is the linked-dataset key for a list of group columns. An empty
// list (an ungrouped aggregation) yields "".
func GroupKey(groups []string) string {
	return strings.Join(groups, ",")
}

func (tx *Tx) CreateDataset(parentID string) (*Dataset, error) {
	now := tx.db.now()
	ds := &Dataset{
		ID:       uuid.NewString(),
		ParentID: parentID,
		State:    StatePending,
		Created:  now,
	}
	if err := tx.PutDataset(ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func (tx *Tx) Dataset(id string) (*Dataset, error) {
	data := tx.stx.Bucket(datasetsBucket, "").Get([]byte(id))
	if data == nil {
		return nil, datasetErrf(id, "", ErrNotFound, "")
	}
	ds := new(Dataset)
	if err := decodeValue(data, ds); err != nil {
		return nil, datasetErrf(id, "", err, "")
	}
	ds.ID = id
	return ds, nil
}

func (tx *Tx) PutDataset(ds *Dataset) error {
	tx.markWritten()
	if ds.ID == "" {
		panic("dataset without ID")
	}
	ds.Updated = tx.db.now()
	err := tx.stx.Bucket(datasetsBucket, "").Put([]byte(ds.ID), encodeValue(ds))
	if err != nil {
		return datasetErrf(ds.ID, "", err, "save")
	}
	return nil
}

func (tx *Tx) Datasets() ([]*Dataset, error) {
	var result []*Dataset
	c := tx.stx.Bucket(datasetsBucket, "").Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		ds := new(Dataset)
		if err := decodeValue(v, ds); err != nil {
			return nil, datasetErrf(string(k), "", err, "")
		}
		ds.ID = string(k)
		result = append(result, ds)
	}
	return result, nil
}

// DeleteDataset removes a dataset with its rows, calculations, summary and,
// recursively, its linked datasets. Linked datasets that are already gone
// are skipped.
func (tx *Tx) DeleteDataset(id string) error {
	ds, err := tx.Dataset(id)
	if err != nil {
		return err
	}
	for _, key := range ds.LinkedGroupKeys() {
		err := tx.DeleteDataset(ds.LinkedDatasets[key])
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("deleting linked dataset %q: %w", key, err)
		}
	}

	tx.markWritten()
	for _, buck := range []string{rowsBucket, calculationsBucket} {
		err := tx.stx.DeleteBucket(buck, id)
		if err != nil && err != ErrBucketNotFound {
			return datasetErrf(id, "", err, "delete %s", buck)
		}
	}
	if err := tx.stx.Bucket(summariesBucket, "").Delete([]byte(id)); err != nil {
		return datasetErrf(id, "", err, "delete summary")
	}
	if err := tx.stx.Bucket(datasetsBucket, "").Delete([]byte(id)); err != nil {
		return datasetErrf(id, "", err, "delete")
	}
	tx.OnCommit(func() { tx.db.summaries.forget(id) })
	return nil
}
