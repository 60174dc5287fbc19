package stack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// manifestMagic tags the start of a serialized Spec so a reader can
// reject non-manifest blobs before spending cycles decoding them.
const manifestMagic uint16 = 0x4d75 // "Mu"

const (
	tagFunction ServiceKind = iota
	tagGateway
	tagKeyValueTable
	tagStorageBucket
)

// EncodeSpec serializes a Spec into the length-prefixed binary format the
// chain stores for a Stack account. Encoding is deterministic: encoding
// the result of DecodeSpec on prior output always yields the same bytes.
func EncodeSpec(s Spec) ([]byte, error) {
	var buf bytes.Buffer
	writeU16(&buf, manifestMagic)
	writeU16(&buf, s.Version)
	writeString(&buf, s.Name)
	writeU32(&buf, uint32(len(s.Services)))
	for _, svc := range s.Services {
		if err := encodeService(&buf, svc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeService(buf *bytes.Buffer, svc Service) error {
	buf.WriteByte(byte(svc.Kind))
	switch svc.Kind {
	case ServiceFunction:
		f := svc.Function
		if f == nil {
			return fmt.Errorf("stack: nil function in service")
		}
		writeString(buf, f.Name)
		writeString(buf, f.BinaryLocator)
		writeString(buf, string(f.Runtime))
		writeU32(buf, uint32(len(f.Env)))
		for _, e := range f.Env {
			writeString(buf, e.Key)
			writeString(buf, e.Value)
		}
		writeU64(buf, f.MemoryLimitBytes)
	case ServiceGateway:
		g := svc.Gateway
		if g == nil {
			return fmt.Errorf("stack: nil gateway in service")
		}
		writeString(buf, g.Name)
		writeU32(buf, uint32(len(g.Endpoints)))
		for _, ep := range g.Endpoints {
			writeString(buf, ep.Path)
			writeU32(buf, uint32(len(ep.Routes)))
			for _, r := range ep.Routes {
				writeString(buf, string(r.Method))
				writeString(buf, r.RouteToFunction)
			}
		}
	case ServiceKeyValueTable:
		t := svc.KVTable
		if t == nil {
			return fmt.Errorf("stack: nil kv table in service")
		}
		writeString(buf, t.Name)
		writeBool(buf, t.Delete)
	case ServiceStorageBucket:
		b := svc.Bucket
		if b == nil {
			return fmt.Errorf("stack: nil bucket in service")
		}
		writeString(buf, b.Name)
		writeBool(buf, b.Delete)
	default:
		return fmt.Errorf("stack: unknown service kind %d", svc.Kind)
	}
	return nil
}

// DecodeSpec parses the length-prefixed binary manifest format.
func DecodeSpec(data []byte) (Spec, error) {
	r := bytes.NewReader(data)
	magic, err := readU16(r)
	if err != nil {
		return Spec{}, fmt.Errorf("stack: read magic: %w", err)
	}
	if magic != manifestMagic {
		return Spec{}, fmt.Errorf("stack: bad manifest magic %x", magic)
	}
	version, err := readU16(r)
	if err != nil {
		return Spec{}, fmt.Errorf("stack: read version: %w", err)
	}
	name, err := readString(r)
	if err != nil {
		return Spec{}, fmt.Errorf("stack: read name: %w", err)
	}
	count, err := readU32(r)
	if err != nil {
		return Spec{}, fmt.Errorf("stack: read service count: %w", err)
	}
	spec := Spec{Name: name, Version: version, Services: make([]Service, 0, count)}
	for i := uint32(0); i < count; i++ {
		svc, err := decodeService(r)
		if err != nil {
			return Spec{}, fmt.Errorf("stack: decode service %d: %w", i, err)
		}
		spec.Services = append(spec.Services, svc)
	}
	return spec, nil
}

func decodeService(r *bytes.Reader) (Service, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Service{}, err
	}
	kind := ServiceKind(kindByte)
	switch kind {
	case ServiceFunction:
		name, err := readString(r)
		if err != nil {
			return Service{}, err
		}
		locator, err := readString(r)
		if err != nil {
			return Service{}, err
		}
		runtime, err := readString(r)
		if err != nil {
			return Service{}, err
		}
		envCount, err := readU32(r)
		if err != nil {
			return Service{}, err
		}
		env := make([]EnvVar, 0, envCount)
		for i := uint32(0); i < envCount; i++ {
			k, err := readString(r)
			if err != nil {
				return Service{}, err
			}
			v, err := readString(r)
			if err != nil {
				return Service{}, err
			}
			env = append(env, EnvVar{Key: k, Value: v})
		}
		mem, err := readU64(r)
		if err != nil {
			return Service{}, err
		}
		return Service{Kind: ServiceFunction, Function: &Function{
			Name: name, BinaryLocator: locator, Runtime: RuntimeTag(runtime),
			Env: env, MemoryLimitBytes: mem,
		}}, nil
	case ServiceGateway:
		name, err := readString(r)
		if err != nil {
			return Service{}, err
		}
		epCount, err := readU32(r)
		if err != nil {
			return Service{}, err
		}
		endpoints := make([]Endpoint, 0, epCount)
		for i := uint32(0); i < epCount; i++ {
			path, err := readString(r)
			if err != nil {
				return Service{}, err
			}
			routeCount, err := readU32(r)
			if err != nil {
				return Service{}, err
			}
			routes := make([]EndpointRoute, 0, routeCount)
			for j := uint32(0); j < routeCount; j++ {
				method, err := readString(r)
				if err != nil {
					return Service{}, err
				}
				target, err := readString(r)
				if err != nil {
					return Service{}, err
				}
				routes = append(routes, EndpointRoute{Method: HTTPMethod(method), RouteToFunction: target})
			}
			endpoints = append(endpoints, Endpoint{Path: path, Routes: routes})
		}
		return Service{Kind: ServiceGateway, Gateway: &Gateway{Name: name, Endpoints: endpoints}}, nil
	case ServiceKeyValueTable:
		name, err := readString(r)
		if err != nil {
			return Service{}, err
		}
		del, err := readBool(r)
		if err != nil {
			return Service{}, err
		}
		return Service{Kind: ServiceKeyValueTable, KVTable: &KeyValueTable{Name: name, Delete: del}}, nil
	case ServiceStorageBucket:
		name, err := readString(r)
		if err != nil {
			return Service{}, err
		}
		del, err := readBool(r)
		if err != nil {
			return Service{}, err
		}
		return Service{Kind: ServiceStorageBucket, Bucket: &StorageBucket{Name: name, Delete: del}}, nil
	default:
		return Service{}, fmt.Errorf("stack: unknown service tag %d", kindByte)
	}
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := io.ReadFull(r, b)
	if err != nil {
		return n, fmt.Errorf("stack: short read: want %d got %d: %w", len(b), n, err)
	}
	return n, nil
}
