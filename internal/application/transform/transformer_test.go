package transform

import (
	"errors"
	"testing"

	"github.com/BurntSushi/toml"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	domainErrors "github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

func TestRegistry_Builtins(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name  string
		fn    string
		in    any
		want  any
		isErr bool
	}{
		{"upper", "upper", "abc", "ABC", false},
		{"lower", "lower", "ABC", "abc", false},
		{"trim", "trim", "  x ", "x", false},
		{"to_string int", "to_string", 42, "42", false},
		{"to_int string", "to_int", "17", int64(17), false},
		{"to_int float", "to_int", 17.9, int64(17), false},
		{"to_int bad", "to_int", "x", nil, true},
		{"to_float", "to_float", "1.5", 1.5, false},
		{"to_bool yes", "to_bool", "yes", true, false},
		{"to_bool zero", "to_bool", 0, false, false},
		{"iso_date", "iso_date", "2024-01-02 10:11:12", "2024-01-02", false},
		{"iso_date us", "iso_date", "01/02/2024", "2024-01-02", false},
		{"iso_datetime", "iso_datetime", "2024-01-02T10:11:12Z", "2024-01-02T10:11:12Z", false},
		{"uuid", "uuid", "6BA7B810-9DAD-11D1-80B4-00C04FD430C8", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"uuid bad", "uuid", "nope", nil, true},
		{"null_if_empty", "null_if_empty", "  ", nil, false},
		{"strip_non_digits", "strip_non_digits", "(555) 123-4567", "5551234567", false},
		{"nil passes", "upper", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Apply(tt.fn, tt.in)
			if (err != nil) != tt.isErr {
				t.Fatalf("Apply() error = %v, wantErr %v", err, tt.isErr)
			}
			if !tt.isErr && got != tt.want {
				t.Errorf("Apply() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestRegistry_Unknown(t *testing.T) {
	_, err := NewRegistry().Apply("eval", "x")
	if !errors.Is(err, domainErrors.ErrUnknownTransform) {
		t.Fatalf("expected ErrUnknownTransform, got %v", err)
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	reg.Register("county_code", func(v any) (any, error) { return "KS-" + v.(string), nil })
	got, err := reg.Apply("county_code", "12")
	if err != nil || got != "KS-12" {
		t.Fatalf("Apply() = %v, %v", got, err)
	}
}

func TestTransformer_Transform(t *testing.T) {
	mapping := FieldMapping{
		"id":     {Field: "parcel_id"},
		"owner":  {Field: "owner_name", Transform: "upper"},
		"status": {Field: "state", Default: "active", HasDefault: true},
		"notes":  {Field: "missing"},
		"code":   {Field: "code", Transform: "bogus"},
	}
	tr := NewTransformer(mapping, nil)

	batch := []record.Record{
		{"parcel_id": 1, "owner_name": "smith", "state": "sold", "code": "A"},
		{"parcel_id": 2, "owner_name": "jones", "state": nil, "code": "B"},
		{"parcel_id": 3, "owner_name": "lee", "code": "C"},
	}
	out, warnings := tr.Transform(batch)

	if len(out) != len(batch) {
		t.Fatalf("Transform() len = %d, want %d", len(out), len(batch))
	}
	if out[0]["owner"] != "SMITH" || out[0]["id"] != 1 {
		t.Errorf("out[0] = %v", out[0])
	}
	if out[0]["status"] != "sold" {
		t.Errorf("default used for a present value: %v", out[0]["status"])
	}
	if out[1]["status"] != "active" || out[2]["status"] != "active" {
		t.Errorf("default not applied for null/missing: %v %v", out[1]["status"], out[2]["status"])
	}
	if v, ok := out[0]["notes"]; !ok || v != nil {
		t.Errorf("missing source without default should be null, got %v (present %v)", v, ok)
	}
	if out[2]["code"] != "C" {
		t.Errorf("unknown transform should pass the value through, got %v", out[2]["code"])
	}
	if len(warnings) != 3 {
		t.Errorf("expected one warning per record for the unknown transform, got %d", len(warnings))
	}
	if batch[0]["owner_name"] != "smith" {
		t.Error("Transform() mutated its input")
	}
}

func TestTransformer_EmptyMappingIsIdentity(t *testing.T) {
	in := []record.Record{{"id": 1, "v": 2}}
	out, warnings := NewTransformer(nil, nil).Transform(in)
	if len(warnings) != 0 || out[0]["v"] != 2 {
		t.Fatalf("identity transform failed: %v %v", out, warnings)
	}
	out[0]["v"] = 3
	if in[0]["v"] != 2 {
		t.Error("identity transform must copy records")
	}
}

func TestValidateMapping(t *testing.T) {
	reg := NewRegistry()
	if err := ValidateMapping(FieldMapping{"a": {Transform: "upper"}, "b": {Field: "c"}}, reg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateMapping(FieldMapping{"a": {Transform: "exec"}}, reg); err == nil {
		t.Error("expected error for unknown transform")
	}
}

func TestFieldRule_Decoding(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var m FieldMapping
		data := `{"id":"parcel_id","status":{"field":"state","default":null},"owner":{"field":"owner","transform":"upper"}}`
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if m["id"].Field != "parcel_id" {
			t.Errorf("id = %+v", m["id"])
		}
		if !m["status"].HasDefault || m["status"].Default != nil {
			t.Errorf("status = %+v", m["status"])
		}
		if m["owner"].Transform != "upper" || m["owner"].HasDefault {
			t.Errorf("owner = %+v", m["owner"])
		}

		out, err := json.Marshal(m["id"])
		if err != nil || string(out) != `"parcel_id"` {
			t.Errorf("Marshal() = %s, %v", out, err)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var m FieldMapping
		data := "id: parcel_id\nstatus:\n  field: state\n  default: active\n"
		if err := yaml.Unmarshal([]byte(data), &m); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if m["id"].Field != "parcel_id" || m["status"].Default != "active" || !m["status"].HasDefault {
			t.Errorf("mapping = %+v", m)
		}
	})

	t.Run("toml", func(t *testing.T) {
		var doc struct {
			Mapping FieldMapping `toml:"mapping"`
		}
		data := "[mapping]\nid = \"parcel_id\"\nowner = { field = \"owner\", transform = \"upper\" }\n"
		if _, err := toml.Decode(data, &doc); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if doc.Mapping["id"].Field != "parcel_id" || doc.Mapping["owner"].Transform != "upper" {
			t.Errorf("mapping = %+v", doc.Mapping)
		}
	})
}
