package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-downscale/layers"
)

const (
	// SavedModelFile is the binary model inside a saved model directory.
	SavedModelFile = "saved_model.pb"
	// ModelSpecFile is the human-readable architecture next to it.
	ModelSpecFile = "model_spec.json"
)

// Field numbers of the saved model message.
//
//	message SavedModel {
//	  string name = 1;
//	  bytes  model_spec = 2;   // JSON encoded layers.ModelSpec
//	  repeated Tensor weights = 3;
//	  string framework = 4;
//	  string version = 5;
//	  int64  created_unix_nano = 6;
//	}
//	message Tensor {
//	  string name = 1;
//	  repeated int64 shape = 2 [packed = true];
//	  repeated double data = 3 [packed = true];
//	}
const (
	fieldName      protowire.Number = 1
	fieldSpec      protowire.Number = 2
	fieldWeights   protowire.Number = 3
	fieldFramework protowire.Number = 4
	fieldVersion   protowire.Number = 5
	fieldCreated   protowire.Number = 6

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
)

// WriteSavedModel writes net into dir as saved_model.pb plus model_spec.json.
func WriteSavedModel(dir string, net *Network, meta CheckpointMetadata) error {
	if net.ModelSpec == nil {
		return fmt.Errorf("saved model requires a model spec")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create saved model directory: %w", err)
	}
	stampMetadata(&meta)

	spec, err := json.MarshalIndent(net.ModelSpec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model spec: %w", err)
	}

	b := protowire.AppendTag(nil, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, net.ModelSpec.Name)
	b = protowire.AppendTag(b, fieldSpec, protowire.BytesType)
	b = protowire.AppendBytes(b, spec)
	for _, w := range net.Weights {
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w))
	}
	b = protowire.AppendTag(b, fieldFramework, protowire.BytesType)
	b = protowire.AppendString(b, meta.Framework)
	b = protowire.AppendTag(b, fieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, meta.Version)
	b = protowire.AppendTag(b, fieldCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(meta.CreatedAt.UnixNano()))

	if err := os.WriteFile(filepath.Join(dir, SavedModelFile), b, 0o644); err != nil {
		return fmt.Errorf("failed to write saved model: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ModelSpecFile), spec, 0o644); err != nil {
		return fmt.Errorf("failed to write model spec: %w", err)
	}
	return nil
}

func marshalTensor(w WeightTensor) []byte {
	b := protowire.AppendTag(nil, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

// ReadSavedModel reads a directory written by WriteSavedModel.
func ReadSavedModel(dir string) (*Network, CheckpointMetadata, error) {
	var meta CheckpointMetadata
	b, err := os.ReadFile(filepath.Join(dir, SavedModelFile))
	if err != nil {
		return nil, meta, fmt.Errorf("failed to read saved model: %w", err)
	}

	net := &Network{Role: "model"}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, meta, fmt.Errorf("saved model: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldSpec && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, meta, fmt.Errorf("saved model spec: %w", protowire.ParseError(n))
			}
			var spec layers.ModelSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return nil, meta, fmt.Errorf("failed to decode model spec: %w", err)
			}
			net.ModelSpec = &spec
			b = b[n:]
		case num == fieldWeights && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, meta, fmt.Errorf("saved model weights: %w", protowire.ParseError(n))
			}
			w, err := unmarshalTensor(v)
			if err != nil {
				return nil, meta, err
			}
			net.Weights = append(net.Weights, w)
			b = b[n:]
		case (num == fieldFramework || num == fieldVersion) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, meta, fmt.Errorf("saved model metadata: %w", protowire.ParseError(n))
			}
			if num == fieldFramework {
				meta.Framework = v
			} else {
				meta.Version = v
			}
			b = b[n:]
		case num == fieldCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, meta, fmt.Errorf("saved model metadata: %w", protowire.ParseError(n))
			}
			meta.CreatedAt = time.Unix(0, int64(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, meta, fmt.Errorf("saved model field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if net.ModelSpec == nil {
		return nil, meta, fmt.Errorf("saved model in %s has no model spec", dir)
	}
	return net, meta, nil
}

func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, fmt.Errorf("tensor: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, fmt.Errorf("tensor field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return w, fmt.Errorf("tensor field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldTensorName:
			w.Name = string(v)
		case fieldTensorShape:
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return w, fmt.Errorf("tensor %s shape: %w", w.Name, protowire.ParseError(m))
				}
				w.Shape = append(w.Shape, int(d))
				v = v[m:]
			}
		case fieldTensorData:
			if len(v)%8 != 0 {
				return w, fmt.Errorf("tensor %s: data length %d is not a multiple of 8", w.Name, len(v))
			}
			w.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return w, fmt.Errorf("tensor %s data: %w", w.Name, protowire.ParseError(m))
				}
				w.Data = append(w.Data, math.Float64frombits(bits))
				v = v[m:]
			}
		}
	}
	return w, nil
}
