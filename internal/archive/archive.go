// Package archive implements the self-describing binary archive gateway:
// a hierarchical, typed, attribute-bearing store for pool boards and
// datasets. The on-disk format is an HDF5-shaped logical layout —
// top-level module/API identity attributes, one group per pool, one
// dataset per schema within a pool — backed by go.etcd.io/bbolt, a
// single-file embedded, hierarchical, transactional key/value store that
// several repositories in this corpus already depend on for exactly this
// kind of durable nested-bucket storage.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/oriys/mechanic/internal/layout"
)

const (
	rootBucket  = "Pools"
	lastKey     = "last"
	dataKey     = "data"
	shapeKey    = "@shape"
	elemSizeKey = "@elemsize"
	datatypeKey = "@datatype"
	attrPrefix  = "@"
	tasksBucket = "Tasks"
)

// ModuleAttr and APIAttr are the top-level identity attributes every
// archive carries, checked by Validate before any restart proceeds.
const (
	ModuleAttr = "@MODULE"
	APIAttr    = "@API"
)

// ErrArchiveInvalid mirrors the spec's ARCHIVE_INVALID status: the
// archive's identity attributes don't match what the caller expects.
var ErrArchiveInvalid = fmt.Errorf("archive: invalid or mismatched identity")

// ErrNotFound is returned when a requested group, dataset or attribute
// does not exist.
var ErrNotFound = fmt.Errorf("archive: not found")

// Archive is the gateway handle onto one .h5-shaped bbolt file.
type Archive struct {
	db *bolt.DB
}

// Open creates or opens the archive file at path.
func Open(path string) (*Archive, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	a := &Archive{db: db}
	if err := a.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(rootBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: init root bucket: %w", err)
	}
	return a, nil
}

// Close flushes and closes the underlying file.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Identify stamps the archive's top-level module/API identity attributes.
// Called once, when a fresh archive is created.
func (a *Archive) Identify(module, api string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		if err := root.Put([]byte(ModuleAttr), []byte(module)); err != nil {
			return err
		}
		return root.Put([]byte(APIAttr), []byte(api))
	})
}

// Validate checks the archive's stamped identity against the caller's
// expectations, the first step of the restart procedure (spec.md §4.9).
func (a *Archive) Validate(module, api string) error {
	return a.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		gotModule := root.Get([]byte(ModuleAttr))
		gotAPI := root.Get([]byte(APIAttr))
		if string(gotModule) != module {
			return fmt.Errorf("%w: module %q, archive has %q", ErrArchiveInvalid, module, gotModule)
		}
		if string(gotAPI) != api {
			return fmt.Errorf("%w: api %q, archive has %q", ErrArchiveInvalid, api, gotAPI)
		}
		return nil
	})
}

func poolBucketName(poolID int) string {
	return fmt.Sprintf("pool-%04d", poolID)
}

// CreatePool ensures the group for poolID exists and repoints /Pools/last
// at it, mirroring the spec's hard-link-to-latest-pool convention.
func (a *Archive) CreatePool(poolID int) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		if _, err := root.CreateBucketIfNotExists([]byte(poolBucketName(poolID))); err != nil {
			return err
		}
		return root.Put([]byte(lastKey), []byte(poolBucketName(poolID)))
	})
}

// LastPool returns the name of the most recently created pool group, or
// false if no pool has been created yet.
func (a *Archive) LastPool() (string, bool, error) {
	var name string
	var ok bool
	err := a.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		v := root.Get([]byte(lastKey))
		if v == nil {
			return nil
		}
		name = string(v)
		ok = true
		return nil
	})
	return name, ok, err
}

// ListPools returns every pool bucket name in bucket-name order, which for
// the zero-padded pool-%04d names is ascending pool id order.
func (a *Archive) ListPools() ([]string, error) {
	var names []string
	err := a.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		return root.ForEachBucket(func(name []byte) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

// shapeBytes/parseShape encode a dims slice as a flat sequence of
// big-endian uint32s for storage under the dataset's @shape key.
func shapeBytes(dims []int) []byte {
	buf := make([]byte, 4*len(dims))
	for i, d := range dims {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(d))
	}
	return buf
}

func parseShape(b []byte) []int {
	dims := make([]int, len(b)/4)
	for i := range dims {
		dims[i] = int(binary.BigEndian.Uint32(b[i*4:]))
	}
	return dims
}

// CommitDataset writes (or overwrites) the full pool-wide dataset blob for
// schema s within poolID, recording its shape and element size as
// dataset-local attributes.
func (a *Archive) CommitDataset(poolID int, s *layout.Schema, poolDims []int, data []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		ds, err := a.datasetBucket(tx, poolID, s.Name, true)
		if err != nil {
			return err
		}
		if err := ds.Put([]byte(shapeKey), shapeBytes(poolDims)); err != nil {
			return err
		}
		if err := ds.Put([]byte(elemSizeKey), shapeBytes([]int{s.ElementSize()})); err != nil {
			return err
		}
		if err := ds.Put([]byte(datatypeKey), shapeBytes([]int{int(s.Datatype)})); err != nil {
			return err
		}
		return ds.Put([]byte(dataKey), data)
	})
}

func (a *Archive) datasetBucket(tx *bolt.Tx, poolID int, name string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket([]byte(rootBucket))
	pool := root.Bucket([]byte(poolBucketName(poolID)))
	if pool == nil {
		if !create {
			return nil, fmt.Errorf("%w: pool %d", ErrNotFound, poolID)
		}
		var err error
		pool, err = root.CreateBucketIfNotExists([]byte(poolBucketName(poolID)))
		if err != nil {
			return nil, err
		}
	}
	if create {
		return pool.CreateBucketIfNotExists([]byte(name))
	}
	ds := pool.Bucket([]byte(name))
	if ds == nil {
		return nil, fmt.Errorf("%w: dataset %s in pool %d", ErrNotFound, name, poolID)
	}
	return ds, nil
}

// WriteHyperslab overwrites a byte-addressed sub-region of an existing
// dataset blob, used to flush one task's buffer into its pool-wide array
// slot without rewriting the whole dataset.
func (a *Archive) WriteHyperslab(poolID int, name string, byteOffset int, payload []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		ds, err := a.datasetBucket(tx, poolID, name, false)
		if err != nil {
			return err
		}
		blob := ds.Get([]byte(dataKey))
		if byteOffset+len(payload) > len(blob) {
			return fmt.Errorf("archive: hyperslab write at %d+%d exceeds dataset size %d", byteOffset, len(payload), len(blob))
		}
		next := make([]byte, len(blob))
		copy(next, blob)
		copy(next[byteOffset:], payload)
		return ds.Put([]byte(dataKey), next)
	})
}

func taskBucketName(taskID int) string {
	return fmt.Sprintf("task-%04d", taskID)
}

// CommitTaskDataset writes one task's own dataset blob inside its
// Tasks/task-%04d/ subgroup, the GROUP-discipline storage convention of
// spec.md §4.1/§4.8 step 3: a GROUP schema has no meaningful pool-wide
// array (layout.PoolDims leaves its shape unchanged), so each task's
// buffer is kept at its own archive location instead of packed into one
// shared dataset the way PM3D/LIST/BOARD/TEXTURE schemas are.
func (a *Archive) CommitTaskDataset(poolID, taskID int, s *layout.Schema, data []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		pool, err := root.CreateBucketIfNotExists([]byte(poolBucketName(poolID)))
		if err != nil {
			return err
		}
		tasks, err := pool.CreateBucketIfNotExists([]byte(tasksBucket))
		if err != nil {
			return err
		}
		task, err := tasks.CreateBucketIfNotExists([]byte(taskBucketName(taskID)))
		if err != nil {
			return err
		}
		ds, err := task.CreateBucketIfNotExists([]byte(s.Name))
		if err != nil {
			return err
		}
		if err := ds.Put([]byte(shapeKey), shapeBytes(s.Dims)); err != nil {
			return err
		}
		if err := ds.Put([]byte(elemSizeKey), shapeBytes([]int{s.ElementSize()})); err != nil {
			return err
		}
		if err := ds.Put([]byte(datatypeKey), shapeBytes([]int{int(s.Datatype)})); err != nil {
			return err
		}
		return ds.Put([]byte(dataKey), data)
	})
}

// ReadTaskDataset reads back a GROUP-discipline task dataset written by
// CommitTaskDataset, used by restart rehydration.
func (a *Archive) ReadTaskDataset(poolID, taskID int, name string) (Dataset, error) {
	var out Dataset
	err := a.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		pool := root.Bucket([]byte(poolBucketName(poolID)))
		if pool == nil {
			return fmt.Errorf("%w: pool %d", ErrNotFound, poolID)
		}
		tasks := pool.Bucket([]byte(tasksBucket))
		if tasks == nil {
			return fmt.Errorf("%w: tasks in pool %d", ErrNotFound, poolID)
		}
		task := tasks.Bucket([]byte(taskBucketName(taskID)))
		if task == nil {
			return fmt.Errorf("%w: task %d in pool %d", ErrNotFound, taskID, poolID)
		}
		ds := task.Bucket([]byte(name))
		if ds == nil {
			return fmt.Errorf("%w: dataset %s for task %d", ErrNotFound, name, taskID)
		}
		out.Data = append([]byte(nil), ds.Get([]byte(dataKey))...)
		out.Dims = parseShape(ds.Get([]byte(shapeKey)))
		if es := parseShape(ds.Get([]byte(elemSizeKey))); len(es) == 1 {
			out.ElemSize = es[0]
		}
		if dt := parseShape(ds.Get([]byte(datatypeKey))); len(dt) == 1 {
			out.Datatype = layout.Datatype(dt[0])
		}
		return nil
	})
	return out, err
}

// Dataset is a read-back of a committed dataset: its flat data blob plus
// the shape/type metadata needed to reinterpret it.
type Dataset struct {
	Data     []byte
	Dims     []int
	ElemSize int
	Datatype layout.Datatype
}

// ReadDataset reads back a full dataset blob and its metadata.
func (a *Archive) ReadDataset(poolID int, name string) (Dataset, error) {
	var out Dataset
	err := a.db.View(func(tx *bolt.Tx) error {
		ds, err := a.datasetBucket(tx, poolID, name, false)
		if err != nil {
			return err
		}
		out.Data = append([]byte(nil), ds.Get([]byte(dataKey))...)
		out.Dims = parseShape(ds.Get([]byte(shapeKey)))
		if es := parseShape(ds.Get([]byte(elemSizeKey))); len(es) == 1 {
			out.ElemSize = es[0]
		}
		if dt := parseShape(ds.Get([]byte(datatypeKey))); len(dt) == 1 {
			out.Datatype = layout.Datatype(dt[0])
		}
		return nil
	})
	return out, err
}

// CommitAttribute writes a scalar or simple attribute onto a dataset (or,
// with name=="" for the dataset argument, onto the pool group itself).
func (a *Archive) CommitAttribute(poolID int, dataset string, attr layout.Attribute) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		var target *bolt.Bucket
		var err error
		if dataset == "" {
			root := tx.Bucket([]byte(rootBucket))
			target, err = root.CreateBucketIfNotExists([]byte(poolBucketName(poolID)))
			if err != nil {
				return err
			}
		} else {
			target, err = a.datasetBucket(tx, poolID, dataset, true)
			if err != nil {
				return err
			}
		}
		encoded, err := json.Marshal(attr.Value)
		if err != nil {
			return fmt.Errorf("archive: encode attribute %s: %w", attr.Name, err)
		}
		return target.Put([]byte(attrPrefix+attr.Name), encoded)
	})
}

// CommitRootAttribute writes a scalar attribute directly onto the archive
// root (e.g. @CPU_Time_s, @MPI_size), distinct from CommitAttribute's
// per-pool-group attributes.
func (a *Archive) CommitRootAttribute(attr layout.Attribute) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		encoded, err := json.Marshal(attr.Value)
		if err != nil {
			return fmt.Errorf("archive: encode attribute %s: %w", attr.Name, err)
		}
		return root.Put([]byte(attrPrefix+attr.Name), encoded)
	})
}

// ReadRootAttribute reads back an archive-root attribute written by
// CommitRootAttribute.
func (a *Archive) ReadRootAttribute(name string, out any) error {
	return a.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(rootBucket))
		v := root.Get([]byte(attrPrefix + name))
		if v == nil {
			return fmt.Errorf("%w: attribute %s", ErrNotFound, name)
		}
		return json.Unmarshal(v, out)
	})
}

// ReadAttribute reads back an attribute written by CommitAttribute,
// decoding it into out (a pointer, as for json.Unmarshal).
func (a *Archive) ReadAttribute(poolID int, dataset, name string, out any) error {
	return a.db.View(func(tx *bolt.Tx) error {
		var target *bolt.Bucket
		root := tx.Bucket([]byte(rootBucket))
		if dataset == "" {
			target = root.Bucket([]byte(poolBucketName(poolID)))
		} else {
			pool := root.Bucket([]byte(poolBucketName(poolID)))
			if pool != nil {
				target = pool.Bucket([]byte(dataset))
			}
		}
		if target == nil {
			return fmt.Errorf("%w: attribute %s", ErrNotFound, name)
		}
		v := target.Get([]byte(attrPrefix + name))
		if v == nil {
			return fmt.Errorf("%w: attribute %s", ErrNotFound, name)
		}
		return json.Unmarshal(v, out)
	})
}
