package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
)

var columnTypes = map[entity.Type]string{
	entity.TypeString: "TEXT",
	entity.TypeInt:    "INTEGER",
	entity.TypeBool:   "INTEGER",
	entity.TypeTime:   "TEXT",
}

// CreateTable returns the DDL for desc. An association is stored as a
// foreign key column typed like its target's identity.
func CreateTable(desc *entity.Descriptor) string {
	cols := make([]string, 0, len(desc.Properties()))
	for _, p := range desc.Properties() {
		typ := p.Type
		if p.IsAssociation() {
			typ = p.Target.IdentityProperty().Type
		}
		def := p.Column + " " + columnTypes[typ]
		switch {
		case p.Name == desc.Identity():
			def += " PRIMARY KEY"
		case p.IsAssociation():
			def += fmt.Sprintf(" REFERENCES %s(%s)", p.Target.Table(), p.Target.IdentityProperty().Column)
			if !p.Nullable {
				def += " NOT NULL"
			}
		case !p.Nullable:
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", desc.Table(), strings.Join(cols, ",\n\t"))
}

// Upsert returns an insert-or-replace statement for one record. A nested
// association record contributes its identity; a missing property is
// stored as NULL.
func Upsert(desc *entity.Descriptor, rec ir.Record) (Statement, error) {
	props := desc.Properties()
	cols := make([]string, 0, len(props))
	marks := make([]string, 0, len(props))
	updates := make([]string, 0, len(props))
	args := make([]any, 0, len(props))

	for _, p := range props {
		v, ok := rec[p.Name]
		if !ok {
			v = ir.Null{}
		}
		if p.IsAssociation() && !ir.IsNull(v) {
			nested, isRec := v.(ir.Record)
			if !isRec {
				return Statement{}, fmt.Errorf("%s.%s: association value is %T, not a record", desc.Name(), p.Name, v)
			}
			v, ok = nested[p.Target.Identity()]
			if !ok {
				v = ir.Null{}
			}
		}
		param, err := irValueToParam(v)
		if err != nil {
			return Statement{}, fmt.Errorf("%s.%s: %w", desc.Name(), p.Name, err)
		}
		cols = append(cols, p.Column)
		marks = append(marks, "?")
		args = append(args, param)
		if p.Name != desc.Identity() {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", p.Column, p.Column))
		}
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO ",
		desc.Table(), strings.Join(cols, ", "), strings.Join(marks, ", "), desc.IdentityProperty().Column)
	if len(updates) == 0 {
		sql += "NOTHING"
	} else {
		sql += "UPDATE SET " + strings.Join(updates, ", ")
	}
	return Statement{SQL: sql, Args: args}, nil
}
