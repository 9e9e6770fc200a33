package tabdb

import (
	"encoding/json"
	"fmt"
)

// DatasetStats is the storage footprint of a dataset.
type DatasetStats struct {
	Rows         int
	Calculations int

	DataSize  int
	DataAlloc int
	CalcSize  int
	CalcAlloc int
}

func (ds *DatasetStats) TotalSize() int {
	return ds.DataSize + ds.CalcSize
}

func (ds *DatasetStats) TotalAlloc() int {
	return ds.DataAlloc + ds.CalcAlloc
}

func (tx *Tx) DatasetStats(ds *Dataset) DatasetStats {
	var result DatasetStats
	if buck := tx.rowsBucket(ds); buck != nil {
		bs := buck.Stats()
		result.Rows = bs.Keys
		result.DataSize = bs.Size
		result.DataAlloc = bs.Alloc
	}
	if buck := tx.stx.Bucket(calculationsBucket, ds.ID); buck != nil {
		bs := buck.Stats()
		result.Calculations = bs.Keys
		result.CalcSize = bs.Size
		result.CalcAlloc = bs.Alloc
	}
	return result
}

func loggableRow(row Row) string {
	if row == nil {
		return "<none>"
	}
	data, err := json.Marshal(row)
	if err != nil {
		// NaN and infinities have no JSON form
		return fmt.Sprint(map[string]any(row))
	}
	return string(data)
}
