package records

import "sort"

// User is a member of the tenant.
type User struct {
	Envelope
	Name string `gorm:"column:name;size:320;not null;default:''" json:"name"`
	Role Role   `gorm:"column:role;not null;default:0" json:"role"`
}

func (User) TableName() string { return "users" }

// Kind implements Entity.
func (*User) Kind() Kind { return KindUser }

func (*User) references() []reference { return nil }

// Contract is a purchase contract for timber.
type Contract struct {
	Envelope
	Title             string  `gorm:"column:title;not null;default:''" json:"title"`
	AdditionalInfo    string  `gorm:"column:additional_info;not null;default:''" json:"additionalInfo"`
	StartDate         string  `gorm:"column:start_date;not null;default:''" json:"startDate"`
	EndDate           string  `gorm:"column:end_date;not null;default:''" json:"endDate"`
	Done              Flag    `gorm:"column:done;not null;default:0" json:"done"`
	AvailableQuantity float64 `gorm:"column:available_quantity;not null;default:0" json:"availableQuantity"`
	BookedQuantity    float64 `gorm:"column:booked_quantity;not null;default:0" json:"bookedQuantity"`
	ShippedQuantity   float64 `gorm:"column:shipped_quantity;not null;default:0" json:"shippedQuantity"`
}

func (Contract) TableName() string { return "contracts" }

// Kind implements Entity.
func (*Contract) Kind() Kind { return KindContract }

func (*Contract) references() []reference { return nil }

// Sawmill is a destination for shipments.
type Sawmill struct {
	Envelope
	Name string `gorm:"column:name;not null;default:''" json:"name"`
}

func (Sawmill) TableName() string { return "sawmills" }

// Kind implements Entity.
func (*Sawmill) Kind() Kind { return KindSawmill }

func (*Sawmill) references() []reference { return nil }

// Location is a harvest site belonging to a contract.
type Location struct {
	Envelope
	Done                    Flag     `gorm:"column:done;not null;default:0" json:"done"`
	Started                 Flag     `gorm:"column:started;not null;default:0" json:"started"`
	Latitude                float64  `gorm:"column:latitude;not null;default:0" json:"latitude"`
	Longitude               float64  `gorm:"column:longitude;not null;default:0" json:"longitude"`
	PartieNr                string   `gorm:"column:partie_nr;not null;default:''" json:"partieNr"`
	Date                    string   `gorm:"column:date;not null;default:''" json:"date"`
	AdditionalInfo          string   `gorm:"column:additional_info;not null;default:''" json:"additionalInfo"`
	InitialQuantity         float64  `gorm:"column:initial_quantity;not null;default:0" json:"initialQuantity"`
	InitialOversizeQuantity float64  `gorm:"column:initial_oversize_quantity;not null;default:0" json:"initialOversizeQuantity"`
	InitialPieceCount       int64    `gorm:"column:initial_piece_count;not null;default:0" json:"initialPieceCount"`
	CurrentQuantity         float64  `gorm:"column:current_quantity;not null;default:0" json:"currentQuantity"`
	CurrentOversizeQuantity float64  `gorm:"column:current_oversize_quantity;not null;default:0" json:"currentOversizeQuantity"`
	CurrentPieceCount       int64    `gorm:"column:current_piece_count;not null;default:0" json:"currentPieceCount"`
	ContractID              string   `gorm:"column:contract_id;size:190;not null;index" json:"contractId"`
	SawmillIDs              []string `gorm:"-" json:"sawmillIds"`
	OversizeSawmillIDs      []string `gorm:"-" json:"oversizeSawmillIds"`
}

func (Location) TableName() string { return "locations" }

// Kind implements Entity.
func (*Location) Kind() Kind { return KindLocation }

func (l *Location) references() []reference {
	refs := []reference{{field: "contractId", kind: KindContract, id: l.ContractID}}
	for _, id := range l.SawmillIDs {
		refs = append(refs, reference{field: "sawmillIds", kind: KindSawmill, id: id})
	}
	for _, id := range l.OversizeSawmillIDs {
		refs = append(refs, reference{field: "oversizeSawmillIds", kind: KindSawmill, id: id})
	}
	return refs
}

// LocationSawmill links a location to a sawmill; rows are replaced wholesale on
// every accepted location edit.
type LocationSawmill struct {
	LocationID string    `gorm:"column:location_id;primaryKey;size:190;not null"`
	SawmillID  string    `gorm:"column:sawmill_id;primaryKey;size:190;not null"`
	IsOversize bool      `gorm:"column:is_oversize;primaryKey;not null"`
	Location   *Location `gorm:"foreignKey:LocationID;references:ID;constraint:OnDelete:CASCADE"`
	Sawmill    *Sawmill  `gorm:"foreignKey:SawmillID;references:ID;constraint:OnDelete:CASCADE"`
}

func (LocationSawmill) TableName() string { return "location_sawmills" }

// Note is a free-text remark written by a user.
type Note struct {
	Envelope
	Text   string `gorm:"column:text;not null;default:''" json:"text"`
	UserID string `gorm:"column:user_id;size:190;not null;index" json:"userId"`
}

func (Note) TableName() string { return "notes" }

// Kind implements Entity.
func (*Note) Kind() Kind { return KindNote }

func (n *Note) references() []reference {
	return []reference{{field: "userId", kind: KindUser, id: n.UserID}}
}

// Photo is an image attached to a location.
type Photo struct {
	Envelope
	LocationID string `gorm:"column:location_id;size:190;not null;index" json:"locationId"`
	PhotoFile  []byte `gorm:"column:photo_file" json:"photoFile"`
}

func (Photo) TableName() string { return "photos" }

// Kind implements Entity.
func (*Photo) Kind() Kind { return KindPhoto }

func (p *Photo) references() []reference {
	return []reference{{field: "locationId", kind: KindLocation, id: p.LocationID}}
}

// Shipment records timber moved from a location to a sawmill.
type Shipment struct {
	Envelope
	Quantity         float64 `gorm:"column:quantity;not null;default:0" json:"quantity"`
	OversizeQuantity float64 `gorm:"column:oversize_quantity;not null;default:0" json:"oversizeQuantity"`
	PieceCount       int64   `gorm:"column:piece_count;not null;default:0" json:"pieceCount"`
	UserID           string  `gorm:"column:user_id;size:190;not null;index" json:"userId"`
	ContractID       string  `gorm:"column:contract_id;size:190;not null;index" json:"contractId"`
	SawmillID        string  `gorm:"column:sawmill_id;size:190;not null;index" json:"sawmillId"`
	LocationID       string  `gorm:"column:location_id;size:190;not null;index" json:"locationId"`
}

func (Shipment) TableName() string { return "shipments" }

// Kind implements Entity.
func (*Shipment) Kind() Kind { return KindShipment }

func (s *Shipment) references() []reference {
	return []reference{
		{field: "userId", kind: KindUser, id: s.UserID},
		{field: "contractId", kind: KindContract, id: s.ContractID},
		{field: "sawmillId", kind: KindSawmill, id: s.SawmillID},
		{field: "locationId", kind: KindLocation, id: s.LocationID},
	}
}

func sortedUnique(values []string) []string {
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}
