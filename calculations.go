package tabdb

import (
	"slices"
	"time"
)

// Calculation is a stored formula producing a column (or, with Group set, an
// aggregation in a linked dataset) of its dataset.
type Calculation struct {
	Name    string    `msgpack:"-"`
	Formula string    `msgpack:"f"`
	Group   string    `msgpack:"g,omitempty"`
	Created time.Time `msgpack:"c"`
}

func (tx *Tx) PutCalculation(datasetID string, calc *Calculation) error {
	tx.markWritten()
	if calc.Created.IsZero() {
		calc.Created = tx.db.now()
	}
	buck, err := tx.stx.CreateBucket(calculationsBucket, datasetID)
	if err != nil {
		return datasetErrf(datasetID, calc.Name, err, "create calculations bucket")
	}
	if err := buck.Put([]byte(calc.Name), encodeValue(calc)); err != nil {
		return datasetErrf(datasetID, calc.Name, err, "save calculation")
	}
	return nil
}

// Calculations returns the dataset's calculations in creation order.
func (tx *Tx) Calculations(datasetID string) ([]*Calculation, error) {
	buck := tx.stx.Bucket(calculationsBucket, datasetID)
	if buck == nil {
		return nil, nil
	}
	var result []*Calculation
	c := buck.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		calc := new(Calculation)
		if err := decodeValue(v, calc); err != nil {
			return nil, datasetErrf(datasetID, string(k), err, "calculation")
		}
		calc.Name = string(k)
		result = append(result, calc)
	}
	slices.SortStableFunc(result, func(a, b *Calculation) int {
		return a.Created.Compare(b.Created)
	})
	return result, nil
}

func (tx *Tx) DeleteCalculation(datasetID, name string) error {
	tx.markWritten()
	buck := tx.stx.Bucket(calculationsBucket, datasetID)
	if buck == nil || buck.Get([]byte(name)) == nil {
		return datasetErrf(datasetID, name, ErrNotFound, "calculation")
	}
	if err := buck.Delete([]byte(name)); err != nil {
		return datasetErrf(datasetID, name, err, "delete calculation")
	}
	return nil
}
