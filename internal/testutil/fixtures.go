// Package testutil provides the Member/Team fixtures shared by tests across
// packages.
package testutil

import (
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
)

// Definitions returns the Member and Team entity definitions.
//
//	Member{id, username, age, team -> Team}
//	Team{id, name}
func Definitions() []entity.Definition {
	return []entity.Definition{
		{
			Name:     "Member",
			Identity: "id",
			Properties: []entity.PropertyDef{
				{Name: "id", Type: entity.TypeInt, Column: "member_id"},
				{Name: "username", Type: entity.TypeString},
				{Name: "age", Type: entity.TypeInt},
				{Name: "team", Type: entity.TypeAssociation, Target: "Team", Nullable: true},
			},
		},
		{
			Name:     "Team",
			Identity: "id",
			Properties: []entity.PropertyDef{
				{Name: "id", Type: entity.TypeInt, Column: "team_id"},
				{Name: "name", Type: entity.TypeString},
			},
		},
	}
}

// Registry builds a registry from Definitions. Panics on error.
func Registry() *entity.Registry {
	reg, err := entity.NewRegistry(Definitions()...)
	if err != nil {
		panic(err)
	}
	return reg
}

// MemberDescriptor returns the Member descriptor from a fresh Registry.
func MemberDescriptor() *entity.Descriptor {
	return Registry().MustDescribe("Member")
}

// Team builds a team row.
func Team(id int64, name string) ir.Record {
	return ir.Record{"id": ir.Int(id), "name": ir.String(name)}
}

// Member builds a member row. A nil team leaves the association null;
// otherwise the team record is nested as a loaded association.
func Member(id int64, username string, age int64, team ir.Record) ir.Record {
	rec := ir.Record{
		"id":       ir.Int(id),
		"username": ir.String(username),
		"age":      ir.Int(age),
		"team":     ir.Null{},
	}
	if team != nil {
		rec["team"] = team.Clone()
	}
	return rec
}

// Dataset is a set of rows for one test, teams first.
type Dataset struct {
	Teams   []ir.Record
	Members []ir.Record
}

// ProjectionDataset mirrors the projection and query-by-example fixtures:
// teamA, teamB; m1(0, teamA), m1(10, teamB), m2(20, teamA).
func ProjectionDataset() Dataset {
	ids := NewIDSequence()
	teamA := Team(ids.Next(), "teamA")
	teamB := Team(ids.Next(), "teamB")
	ids.Reset()
	return Dataset{
		Teams: []ir.Record{teamA, teamB},
		Members: []ir.Record{
			Member(ids.Next(), "m1", 0, teamA),
			Member(ids.Next(), "m1", 10, teamB),
			Member(ids.Next(), "m2", 20, teamA),
		},
	}
}

// PagingDataset has five teamless members aged 10, member1..member5.
func PagingDataset() Dataset {
	ids := NewIDSequence()
	ds := Dataset{}
	for _, name := range []string{"member1", "member2", "member3", "member4", "member5"} {
		ds.Members = append(ds.Members, Member(ids.Next(), name, 10, nil))
	}
	return ds
}

// BulkDataset has five teamless members aged 10, 19, 20, 21 and 40.
// Three of them have age >= 20.
func BulkDataset() Dataset {
	ids := NewIDSequence()
	ds := Dataset{}
	for i, age := range []int64{10, 19, 20, 21, 40} {
		ds.Members = append(ds.Members, Member(ids.Next(), "member"+string(rune('1'+i)), age, nil))
	}
	return ds
}

// AgeDataset has AAA(10) and AAA(20).
func AgeDataset() Dataset {
	ids := NewIDSequence()
	return Dataset{Members: []ir.Record{
		Member(ids.Next(), "AAA", 10, nil),
		Member(ids.Next(), "AAA", 20, nil),
	}}
}
