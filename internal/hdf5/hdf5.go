// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hdf5 reads numeric datasets out of HDF5 files, as written by patch extraction tools
// (e.g. the `coords` and `features` datasets of per-slide `.h5` files).
//
// It requires the `hdf5-tools` (a deb package) installed in the system, more specifically the
// `h5dump` binary.
package hdf5

import (
	"bytes"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// H5DumpBinary is the name of the binary used to read HDF5 files.
const H5DumpBinary = "h5dump"

// ErrDatasetNotFound is returned when a requested dataset is not in the HDF5 file.
var ErrDatasetNotFound = errors.New("hdf5 dataset not found")

// File holds the (parsed) headers of the datasets of an HDF5 file, keyed by the dataset path
// without the leading "/" (e.g. "coords").
type File struct {
	Path     string
	Datasets map[string]*Dataset
}

// Dataset has the metadata about one HDF5 dataset (but not the data itself). The dataset
// "DATATYPE" and "DATASPACE" fields are converted to the equivalent GoMLX `shapes.Shape`.
//
// Shape is invalid if the DATATYPE is not supported.
type Dataset struct {
	FilePath, GroupPath string
	DType               dtypes.DType
	Shape               shapes.Shape
}

// Open parses the headers of the HDF5 file in filePath.
func Open(filePath string) (*File, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file in path %q", filePath)
	}
	contentsBytes, err := execH5Dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	groupPaths, err := parseContents(string(contentsBytes))
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing contents of %q", filePath)
	}
	f := &File{Path: filePath, Datasets: make(map[string]*Dataset, len(groupPaths))}
	if len(groupPaths) == 0 {
		return f, nil
	}

	headerArgs := make([]string, 0, len(groupPaths)+2)
	headerArgs = append(headerArgs, "--header")
	for _, groupPath := range groupPaths {
		headerArgs = append(headerArgs, "--dataset="+groupPath)
	}
	headerArgs = append(headerArgs, filePath)
	headerBytes, err := execH5Dump(headerArgs...)
	if err != nil {
		return nil, err
	}
	datasets, err := parseHeaders(string(headerBytes), len(groupPaths))
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing dataset headers of %q", filePath)
	}
	for _, ds := range datasets {
		ds.FilePath = filePath
		f.Datasets[strings.TrimPrefix(ds.GroupPath, "/")] = ds
	}
	return f, nil
}

// Dataset returns the dataset with the given name (with or without the leading "/").
func (f *File) Dataset(name string) (*Dataset, error) {
	ds, found := f.Datasets[strings.TrimPrefix(name, "/")]
	if !found {
		return nil, errors.Wrapf(ErrDatasetNotFound, "dataset %q in %q", name, f.Path)
	}
	return ds, nil
}

var (
	regexpH5Datasets               = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpH5DatasetHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5DatasetHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5DatasetHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// parseContents extracts the dataset paths listed by `h5dump --contents`.
func parseContents(contents string) ([]string, error) {
	matches := regexpH5Datasets.FindAllStringSubmatch(contents, -1)
	groupPaths := make([]string, 0, len(matches))
	for _, match := range matches {
		groupPath := match[1]
		// Names are passed back to h5dump as arguments.
		if strings.HasPrefix(groupPath, "-") {
			return nil, errors.Errorf("invalid dataset name starting with '-': %q", groupPath)
		}
		groupPaths = append(groupPaths, groupPath)
	}
	return groupPaths, nil
}

// parseHeaders parses the output of `h5dump --header --dataset=...`, one DATASET block per
// dataset. Datasets whose type or dataspace is not supported are returned with an invalid shape.
func parseHeaders(headers string, expected int) ([]*Dataset, error) {
	rawDatasetHeaders := strings.Split(headers, "DATASET")
	if len(rawDatasetHeaders)-1 != expected {
		return nil, errors.Errorf("expected %d DATASET headers, got %d", expected, len(rawDatasetHeaders)-1)
	}
	datasets := make([]*Dataset, 0, expected)
	for _, part := range rawDatasetHeaders[1:] {
		matches := regexpH5DatasetHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return nil, errors.Errorf("failed to parse dataset header name in %q", part)
		}
		ds := &Dataset{GroupPath: matches[1]}
		datasets = append(datasets, ds)

		matches = regexpH5DatasetHeaderDataType.FindStringSubmatch(part)
		if len(matches) != 2 {
			klog.V(1).Infof("hdf5: DATATYPE of %q not parseable", ds.GroupPath)
			continue
		}
		ds.DType = DTypeForH5T(matches[1])
		if ds.DType == dtypes.InvalidDType {
			klog.V(1).Infof("hdf5: DATATYPE %q of %q not supported", matches[1], ds.GroupPath)
			continue
		}

		matches = regexpH5DatasetHeaderDataSpace.FindStringSubmatch(part)
		if len(matches) != 4 {
			klog.V(1).Infof("hdf5: DATASPACE of %q not parseable", ds.GroupPath)
			continue
		}
		switch matches[1] {
		case "SCALAR":
			ds.Shape = shapes.Make(ds.DType)
		case "SIMPLE":
			dims, err := parseDims(matches[3])
			if err != nil {
				klog.V(1).Infof("hdf5: DATASPACE of %q: %v", ds.GroupPath, err)
				continue
			}
			ds.Shape = shapes.Make(ds.DType, dims...)
		default:
			klog.V(1).Infof("hdf5: DATASPACE type %q of %q not supported", matches[1], ds.GroupPath)
		}
	}
	return datasets, nil
}

func parseDims(dimsStr string) ([]int, error) {
	parts := strings.Split(dimsStr, ",")
	dims := make([]int, 0, len(parts))
	for _, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid dimension %q", part)
		}
		dims = append(dims, dim)
	}
	return dims, nil
}

// DTypeForH5T returns the DType corresponding to known HDF5 types. If not known/supported, returns
// dtypes.InvalidDType.
func DTypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	case "H5T_STD_U32LE", "H5T_STD_U32BE":
		return dtypes.Uint32
	case "H5T_STD_U64LE", "H5T_STD_U64BE":
		return dtypes.Uint64
	}
	return dtypes.InvalidDType
}

// execH5Dump executes `h5dump`, and handles errors.
func execH5Dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find `h5dump` binary in PATH, needed to parse HDF5 "+
			"format files (extension \".h5\"), please install package hdf5-tools")
	}
	klog.V(2).Infof("using h5dump from %q", binPath)
	cmd := exec.Command(binPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdoutBuf, &stderrBuf
	if err = cmd.Run(); err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		return nil, errors.WithMessagef(err, "STDERR captured:\n%s\n", stderrBuf.String())
	}
	return stdoutBuf.Bytes(), nil
}

// Load extracts the raw binary contents (native byte order) of the dataset.
func (ds *Dataset) Load() ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			klog.Warningf("Failed to remove temporary file %q used to extract HDF5 dataset: %+v", tmpFile.Name(), err)
		}
	}()
	_, err = execH5Dump("--dataset="+ds.GroupPath, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath)
	if err != nil {
		return nil, err
	}
	rawContent, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read from temporary file %q to extract HDF5 dataset", tmpFile.Name())
	}
	return rawContent, nil
}

// ToTensor reads the HDF5 dataset into a GoMLX tensors.Tensor.
func (ds *Dataset) ToTensor() (*tensors.Tensor, error) {
	if !ds.Shape.Ok() {
		return nil, errors.Errorf("no shape information from HDF5 dataset %q in %q, can't convert to tensor",
			ds.GroupPath, ds.FilePath)
	}
	loadedData, err := ds.Load()
	if err != nil {
		return nil, err
	}
	return fromRawBytes(ds.Shape, loadedData)
}

// fromRawBytes copies the native-order bytes into a new tensor of the given shape.
func fromRawBytes(shape shapes.Shape, data []byte) (*tensors.Tensor, error) {
	tensor := tensors.FromShape(shape)
	var err error
	accessErr := tensor.MutableBytes(func(localData []byte) {
		if len(data) != len(localData) {
			err = errors.Errorf("for shape %s: loaded %d bytes, but tensor uses %d bytes",
				shape, len(data), len(localData))
			return
		}
		copy(localData, data)
	})
	if accessErr != nil {
		return nil, accessErr
	}
	if err != nil {
		return nil, err
	}
	return tensor, nil
}

// ReadTensor opens filePath and reads the named dataset as a tensor.
func ReadTensor(filePath, name string) (*tensors.Tensor, error) {
	f, err := Open(filePath)
	if err != nil {
		return nil, err
	}
	ds, err := f.Dataset(name)
	if err != nil {
		return nil, err
	}
	return ds.ToTensor()
}
