package move

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-pipeline/pkg/ledger"
)

var (
	// ErrPackageNotFound means the package defining a type is unknown.
	ErrPackageNotFound = errors.New("package not found")
	// ErrTypeNotFound means the package has no such module or struct.
	ErrTypeNotFound = errors.New("type not found")
)

// maxDepth bounds struct nesting while decoding.
const maxDepth = 64

// Resolver decodes the BCS contents of a Move struct.
type Resolver interface {
	Resolve(ctx context.Context, tag ledger.StructTag, contents []byte) (*Struct, error)
}

// PackageProvider returns published packages by id. Implementations return an
// error wrapping ErrPackageNotFound for unknown packages.
type PackageProvider interface {
	GetPackage(ctx context.Context, id string) (*ledger.MovePackage, error)
}

// LayoutResolver resolves struct layouts from package modules and decodes
// values with them. Parsed modules are cached per package and module.
type LayoutResolver struct {
	packages PackageProvider

	mu      sync.RWMutex
	modules map[string]*ModuleABI
}

func NewLayoutResolver(packages PackageProvider) *LayoutResolver {
	return &LayoutResolver{
		packages: packages,
		modules:  make(map[string]*ModuleABI),
	}
}

// Resolve implements Resolver. All of contents must be consumed.
func (r *LayoutResolver) Resolve(ctx context.Context, tag ledger.StructTag, contents []byte) (*Struct, error) {
	if _, ok := scalarBuiltins[builtinKey(tag.Address, tag.Module, tag.Name)]; ok {
		return nil, fmt.Errorf("%s is not a struct layout", tag.String())
	}
	reader := &bcsReader{data: contents}
	value, err := r.decodeStruct(ctx, reader, tag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", tag.String())
	}
	if reader.remaining() != 0 {
		return nil, fmt.Errorf("failed to decode %s: %d trailing bytes", tag.String(), reader.remaining())
	}
	return value, nil
}

func (r *LayoutResolver) layout(ctx context.Context, tag ledger.StructTag) ([]fieldLayout, error) {
	if def, ok := frameworkStructs[builtinKey(tag.Address, tag.Module, tag.Name)]; ok {
		return def.instantiate(tag)
	}
	module, err := r.module(ctx, tag.Address, tag.Module)
	if err != nil {
		return nil, err
	}
	def, ok := module.lookup(tag.Name)
	if !ok {
		return nil, errors.Wrapf(ErrTypeNotFound, "struct %s", tag.String())
	}
	return def.instantiate(tag)
}

func (r *LayoutResolver) module(ctx context.Context, address, name string) (*ModuleABI, error) {
	key := ledger.NormalizeAddress(address) + "::" + name
	r.mu.RLock()
	cached, ok := r.modules[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	pkg, err := r.packages.GetPackage(ctx, address)
	if err != nil {
		return nil, err
	}
	raw, ok := pkg.Modules[name]
	if !ok {
		return nil, errors.Wrapf(ErrTypeNotFound, "module %s in package %s", name, address)
	}
	module, err := DecodeModule(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "module %s in package %s", name, address)
	}

	r.mu.Lock()
	r.modules[key] = module
	r.mu.Unlock()
	return module, nil
}

func (r *LayoutResolver) decodeStruct(ctx context.Context, in *bcsReader, tag ledger.StructTag, depth int) (*Struct, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("struct nesting exceeds %d levels", maxDepth)
	}
	fields, err := r.layout(ctx, tag)
	if err != nil {
		return nil, err
	}
	out := &Struct{Type: tag, Fields: make([]Field, 0, len(fields))}
	for _, f := range fields {
		start := in.pos
		value, err := r.decodeValue(ctx, in, f.typ, depth+1)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", f.name)
		}
		out.Fields = append(out.Fields, Field{Name: f.name, Value: value, BCS: in.data[start:in.pos]})
	}
	return out, nil
}

func (r *LayoutResolver) decodeValue(ctx context.Context, in *bcsReader, t ledger.TypeTag, depth int) (interface{}, error) {
	switch t.Kind {
	case ledger.TypeBool:
		return in.boolean()
	case ledger.TypeU8:
		return in.u8()
	case ledger.TypeU16:
		return in.u16()
	case ledger.TypeU32:
		return in.u32()
	case ledger.TypeU64:
		return in.u64()
	case ledger.TypeU128:
		return in.bigUint(16)
	case ledger.TypeU256:
		return in.bigUint(32)
	case ledger.TypeAddress, ledger.TypeSigner:
		return in.address()
	case ledger.TypeVector:
		n, err := in.uleb128()
		if err != nil {
			return nil, err
		}
		items := make([]interface{}, 0, min(n, in.remaining()))
		for i := 0; i < n; i++ {
			item, err := r.decodeValue(ctx, in, *t.Elem, depth+1)
			if err != nil {
				return nil, errors.Wrapf(err, "element %d", i)
			}
			items = append(items, item)
		}
		return items, nil
	case ledger.TypeStruct:
		return r.decodeStructValue(ctx, in, *t.Struct, depth)
	case ledger.TypeParam:
		return nil, fmt.Errorf("unsubstituted type parameter T%d", t.ParamIndex)
	}
	return nil, fmt.Errorf("unknown type kind %d", t.Kind)
}

func (r *LayoutResolver) decodeStructValue(ctx context.Context, in *bcsReader, tag ledger.StructTag, depth int) (interface{}, error) {
	switch scalarBuiltins[builtinKey(tag.Address, tag.Module, tag.Name)] {
	case scalarString:
		return in.utf8String()
	case scalarAddress:
		return in.address()
	case scalarOption:
		if len(tag.TypeParams) != 1 {
			return nil, fmt.Errorf("%s expects 1 type argument", tag.String())
		}
		n, err := in.uleb128()
		if err != nil {
			return nil, err
		}
		switch n {
		case 0:
			return nil, nil
		case 1:
			return r.decodeValue(ctx, in, tag.TypeParams[0], depth+1)
		}
		return nil, fmt.Errorf("option with %d elements", n)
	}
	return r.decodeStruct(ctx, in, tag, depth)
}
