package command

// Query names understood by the engine.
const (
	WhatActorInfo             = "ACTOR_INFO"
	WhatActorProperties       = "ACTOR_PROPERTIES"
	WhatActorStates           = "ACTOR_STATES"
	WhatActorStatusInfo       = "ACTOR_STATUS_INFO"
	WhatActorSupports         = "ACTOR_SUPPORTS"
	WhatBasicProjectInfo      = "BASIC_PROJECT_INFO"
	WhatFullProjectStatusInfo = "FULL_PROJECT_STATUS_INFO"
	WhatFullProjectTree       = "FULL_PROJECT_TREE"
	WhatInputSlotValue        = "INPUT_SLOT_VALUE"
	WhatOutputSlotValue       = "OUTPUT_SLOT_VALUE"
	WhatProjectTreeSystems    = "PROJECT_TREE_SYSTEMS"
	WhatServerInfo            = "SERVER_INFO"
	WhatServerIsAlive         = "SERVER_IS_ALIVE"
	WhatSystemsStatusInfo     = "SYSTEMS_STATUS_INFO"
)

// Query is a read-only request. Fields are declared in key order.
type Query struct {
	Password string         `json:"Password,omitempty"`
	What     string         `json:"What"`
	Args     map[string]any `json:"args,omitempty"`
	HID      string         `json:"hid,omitempty"`
	SlotName string         `json:"slot_name,omitempty"`
	UID      string         `json:"uid,omitempty"`
}

func (q Query) Name() string { return q.What }

func (q Query) WithPassword(password string) Request {
	q.Password = password
	return q
}

func ServerInfo() Query            { return Query{What: WhatServerInfo} }
func ServerIsAlive() Query         { return Query{What: WhatServerIsAlive} }
func BasicProjectInfo() Query      { return Query{What: WhatBasicProjectInfo} }
func FullProjectStatusInfo() Query { return Query{What: WhatFullProjectStatusInfo} }
func FullProjectTree() Query       { return Query{What: WhatFullProjectTree} }
func ProjectTreeSystems() Query    { return Query{What: WhatProjectTreeSystems} }
func SystemsStatusInfo() Query     { return Query{What: WhatSystemsStatusInfo} }

func ActorInfo(uid string) Query       { return Query{What: WhatActorInfo, UID: uid} }
func ActorProperties(uid string) Query { return Query{What: WhatActorProperties, UID: uid} }
func ActorStates(uid string) Query     { return Query{What: WhatActorStates, UID: uid} }

func ActorStatusInfo(uid, hid string) Query {
	return Query{What: WhatActorStatusInfo, UID: uid, HID: hid}
}

func ActorSupports(uid, feature string) Query {
	return Query{What: WhatActorSupports, UID: uid, Args: map[string]any{"feature": feature}}
}

func InputSlotValue(uid, hid, slot string) Query {
	return Query{What: WhatInputSlotValue, UID: uid, HID: hid, SlotName: slot}
}

func OutputSlotValue(uid, hid, slot string) Query {
	return Query{What: WhatOutputSlotValue, UID: uid, HID: hid, SlotName: slot}
}
