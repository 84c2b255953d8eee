package vm

import (
	"strings"
)

// ---------------------------------------------------------------------------
// MemberAttribute: declaration-time attributes of a member
// ---------------------------------------------------------------------------

// Mutability says whether a member may be reassigned.
type Mutability uint8

const (
	MutabilityUnset Mutability = iota
	MutabilityVar
	MutabilityConst
)

// Override says whether a member may be overridden in subclasses.
type Override uint8

const (
	OverrideUnset Override = iota
	OverrideVirtual
	OverrideFinal
)

// Access says whether a member is plain storage or a property whose reads and
// writes are routed through a getter/setter.
type Access uint8

const (
	AccessUnset Access = iota
	AccessField
	AccessProperty
)

// Visibility records who a member is meant for. Requests carry no caller,
// so dispatch stores and merges it without enforcing it; language layers
// check it when they know the accessing class.
type Visibility uint8

const (
	VisibilityUnset Visibility = iota
	VisibilityPublic
	VisibilityInternal
	VisibilityProtected
	VisibilityPrivate
)

// Context marks class-level (static) members.
type Context uint8

const (
	ContextUnset Context = iota
	ContextStatic
)

// Sync marks synchronized members.
type Sync uint8

const (
	SyncUnset Sync = iota
	SyncSynchronized
)

// MemberAttribute bundles the attribute axes. Each axis is independent and
// "unset" means the bundle says nothing about that axis.
type MemberAttribute struct {
	Mutability Mutability
	Override   Override
	Access     Access
	Visibility Visibility
	Context    Context
	Sync       Sync
}

// Merge sets every axis that is set in in. It reports whether any axis that
// already held a non-unset value was overwritten.
func (a *MemberAttribute) Merge(in MemberAttribute) (overwritten bool) {
	if in.Mutability != MutabilityUnset {
		overwritten = overwritten || a.Mutability != MutabilityUnset
		a.Mutability = in.Mutability
	}
	if in.Override != OverrideUnset {
		overwritten = overwritten || a.Override != OverrideUnset
		a.Override = in.Override
	}
	if in.Access != AccessUnset {
		overwritten = overwritten || a.Access != AccessUnset
		a.Access = in.Access
	}
	if in.Visibility != VisibilityUnset {
		overwritten = overwritten || a.Visibility != VisibilityUnset
		a.Visibility = in.Visibility
	}
	if in.Context != ContextUnset {
		overwritten = overwritten || a.Context != ContextUnset
		a.Context = in.Context
	}
	if in.Sync != SyncUnset {
		overwritten = overwritten || a.Sync != SyncUnset
		a.Sync = in.Sync
	}
	return overwritten
}

// IsConst reports whether the member is read-only.
func (a MemberAttribute) IsConst() bool { return a.Mutability == MutabilityConst }

// IsProperty reports whether access goes through a getter/setter.
func (a MemberAttribute) IsProperty() bool { return a.Access == AccessProperty }

// IsFinal reports whether the member is final.
func (a MemberAttribute) IsFinal() bool { return a.Override == OverrideFinal }

// IsStatic reports whether the member is class-level.
func (a MemberAttribute) IsStatic() bool { return a.Context == ContextStatic }

func (a MemberAttribute) String() string {
	var parts []string
	switch a.Mutability {
	case MutabilityVar:
		parts = append(parts, "var")
	case MutabilityConst:
		parts = append(parts, "const")
	}
	switch a.Override {
	case OverrideVirtual:
		parts = append(parts, "virtual")
	case OverrideFinal:
		parts = append(parts, "final")
	}
	switch a.Access {
	case AccessField:
		parts = append(parts, "field")
	case AccessProperty:
		parts = append(parts, "property")
	}
	switch a.Visibility {
	case VisibilityPublic:
		parts = append(parts, "public")
	case VisibilityInternal:
		parts = append(parts, "internal")
	case VisibilityProtected:
		parts = append(parts, "protected")
	case VisibilityPrivate:
		parts = append(parts, "private")
	}
	if a.Context == ContextStatic {
		parts = append(parts, "static")
	}
	if a.Sync == SyncSynchronized {
		parts = append(parts, "synchronized")
	}
	return strings.Join(parts, " ")
}

// ---------------------------------------------------------------------------
// OperateFlags: attributes plus dispatch-control bits
// ---------------------------------------------------------------------------

// Control holds dispatch-control bits that are orthogonal to attributes.
type Control uint8

const (
	// MemberEnsure fails a write with member-not-found instead of creating
	// the member.
	MemberEnsure Control = 1 << iota
	// InstanceMemberOnly skips static members.
	InstanceMemberOnly
	// FinalMemberOnly only matches final members.
	FinalMemberOnly
	// UseClassMemberRule resolves the member through the class rules rather
	// than the instance's own table.
	UseClassMemberRule
)

// OperateFlags travel through the dispatch protocol with every request.
type OperateFlags struct {
	Attr    MemberAttribute
	Control Control
}

// With returns f with the given control bits added. Attribute bits are not
// touched.
func (f OperateFlags) With(c Control) OperateFlags {
	f.Control |= c
	return f
}

// Has reports whether all bits in c are set.
func (f OperateFlags) Has(c Control) bool { return f.Control&c == c }

// ---------------------------------------------------------------------------
// Packing (instruction operands and the wire format only)
// ---------------------------------------------------------------------------
//
//	bits  0-1  mutability
//	bits  2-3  override
//	bits  4-5  access
//	bits  6-8  visibility
//	bit   9    context
//	bit  10    sync
//	bits 16-23 control

const (
	shiftMutability = 0
	shiftOverride   = 2
	shiftAccess     = 4
	shiftVisibility = 6
	shiftContext    = 9
	shiftSync       = 10
	shiftControl    = 16
)

// Pack encodes the attribute into its bit-packed form.
func (a MemberAttribute) Pack() uint32 {
	return uint32(a.Mutability)<<shiftMutability |
		uint32(a.Override)<<shiftOverride |
		uint32(a.Access)<<shiftAccess |
		uint32(a.Visibility)<<shiftVisibility |
		uint32(a.Context)<<shiftContext |
		uint32(a.Sync)<<shiftSync
}

// UnpackMemberAttribute decodes a packed attribute.
func UnpackMemberAttribute(w uint32) MemberAttribute {
	return MemberAttribute{
		Mutability: Mutability(w >> shiftMutability & 0x3),
		Override:   Override(w >> shiftOverride & 0x3),
		Access:     Access(w >> shiftAccess & 0x3),
		Visibility: Visibility(w >> shiftVisibility & 0x7),
		Context:    Context(w >> shiftContext & 0x1),
		Sync:       Sync(w >> shiftSync & 0x1),
	}
}

// Pack encodes the flags into one operand word.
func (f OperateFlags) Pack() uint32 {
	return f.Attr.Pack() | uint32(f.Control)<<shiftControl
}

// UnpackOperateFlags decodes an operand word.
func UnpackOperateFlags(w uint32) OperateFlags {
	return OperateFlags{
		Attr:    UnpackMemberAttribute(w),
		Control: Control(w >> shiftControl & 0xFF),
	}
}
