package domain

// PlateLocation — физический слот, вмещающий не более одной единицы работы.
//
// Слоты могут быть вложенными (ParentID), например позиция в hotel.
type PlateLocation struct {
	ID           string  `json:"id"`
	Type         string  `json:"type,omitempty"` // instrument, hotel, plate_holder, ...
	InUseBy      *int64  `json:"in_use_by,omitempty"`
	InstrumentID *int64  `json:"instrument_id,omitempty"`
	ParentID     *string `json:"parent_id,omitempty"`
	XCapacity    int     `json:"x_capacity"`
	YCapacity    int     `json:"y_capacity"`
}

// IsFree возвращает true, если у слота нет держателя.
func (p *PlateLocation) IsFree() bool {
	return p.InUseBy == nil
}

// HeldBy проверяет, что слот удерживает указанный NodeRun.
func (p *PlateLocation) HeldBy(nodeRunID int64) bool {
	return p.InUseBy != nil && *p.InUseBy == nodeRunID
}
