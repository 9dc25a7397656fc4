package ecschema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Schema-mapping documents are YAML; the connection layer ships one per
// schema generation. Example:
//
//	schemaGeneration: 3
//	classes:
//	  - id: "0x100"
//	    name: BisCore.Element
//	    tables:
//	      - table: bis_Element
//	        role: primary
//	        classIdColumn: ECClassId
//	        properties: {Id: id, CodeValue: codeValue}
//	tables:
//	  - name: bis_ElementOverflow
//	    fallbackClassId: "0x100"
type mapDoc struct {
	SchemaGeneration uint64     `yaml:"schemaGeneration"`
	Classes          []classDoc `yaml:"classes"`
	Tables           []tableDoc `yaml:"tables"`
}

type classDoc struct {
	ID     string            `yaml:"id"`
	Name   string            `yaml:"name"`
	Base   string            `yaml:"base"`
	Tables []tableMappingDoc `yaml:"tables"`
}

type tableMappingDoc struct {
	Table              string            `yaml:"table"`
	Role               string            `yaml:"role"`
	ClassIDColumn      string            `yaml:"classIdColumn"`
	ExclusiveRootClass string            `yaml:"exclusiveRootClassId"`
	Properties         map[string]string `yaml:"properties"`
}

type tableDoc struct {
	Name               string `yaml:"name"`
	ClassIDColumn      string `yaml:"classIdColumn"`
	ExclusiveRootClass string `yaml:"exclusiveRootClassId"`
	FallbackClassID    string `yaml:"fallbackClassId"`
	InstanceIDColumn   string `yaml:"instanceIdColumn"`
}

// ParseMap builds a Mapper from a YAML schema-mapping document.
func ParseMap(data []byte) (*Mapper, error) {
	var doc mapDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("ecschema: parse map document: %w", err)
	}
	classes := make([]Class, 0, len(doc.Classes))
	for _, cd := range doc.Classes {
		id, err := ParseClassID(cd.ID)
		if err != nil {
			return nil, err
		}
		base, err := ParseClassID(cd.Base)
		if err != nil {
			return nil, err
		}
		c := Class{ID: id, FullName: cd.Name, Base: base}
		for _, td := range cd.Tables {
			role, err := parseRole(td.Role)
			if err != nil {
				return nil, err
			}
			root, err := ParseClassID(td.ExclusiveRootClass)
			if err != nil {
				return nil, err
			}
			c.Tables = append(c.Tables, TableMapping{
				Table:                td.Table,
				Role:                 role,
				ClassIDColumn:        td.ClassIDColumn,
				ExclusiveRootClassID: root,
				Properties:           td.Properties,
			})
		}
		classes = append(classes, c)
	}
	tables := make([]TableInfo, 0, len(doc.Tables))
	for _, td := range doc.Tables {
		root, err := ParseClassID(td.ExclusiveRootClass)
		if err != nil {
			return nil, err
		}
		fallback, err := ParseClassID(td.FallbackClassID)
		if err != nil {
			return nil, err
		}
		tables = append(tables, TableInfo{
			Name:                 td.Name,
			ClassIDColumn:        td.ClassIDColumn,
			ExclusiveRootClassID: root,
			FallbackClassID:      fallback,
			InstanceIDColumn:     td.InstanceIDColumn,
		})
	}
	return NewMapper(doc.SchemaGeneration, classes, tables)
}

// LoadMapFile reads and parses a YAML schema-mapping document from disk.
func LoadMapFile(path string) (*Mapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ecschema: read map document: %w", err)
	}
	return ParseMap(data)
}

func parseRole(s string) (Role, error) {
	switch s {
	case "", "primary":
		return RolePrimary, nil
	case "base":
		return RoleBase, nil
	case "overflow":
		return RoleOverflow, nil
	default:
		return 0, fmt.Errorf("ecschema: unknown table role %q", s)
	}
}
