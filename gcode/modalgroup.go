package gcode

type ModalGroup byte

const (
	ModalGroupNone = iota
	ModalGroupNonModal
	ModalGroupMotion
	ModalGroupPlaneSelection
	ModalGroupDistanceMode
	ModalGroupArcDistanceMode
	ModalGroupFeedRateMode
	ModalGroupUnits
	ModalGroupCutterCompensationMode
	ModalGroupToolLength
	ModalGroupCoordinateSystem
	ModalGroupControlMode
	ModalGroupStopping
	ModalGroupToolChange
	ModalGroupSpindle
	ModalGroupCoolant
	ModalGroupOverride
	ModalGroupFeedRate
	ModalGroupSpindleSpeed
)

func (w Word) ModalGroup() ModalGroup {
	if w.W == 'G' {
		switch w.Arg {
		case 4, 10, 28, 30, 53, 92, 92.1, 92.2, 92.3:
			return ModalGroupNonModal
		case 0, 1, 2, 3, 38.2, 38.3, 38.4, 38.5, 80:
			return ModalGroupMotion
		case 17, 18, 19:
			return ModalGroupPlaneSelection
		case 90, 91:
			return ModalGroupDistanceMode
		case 90.1, 91.1:
			return ModalGroupArcDistanceMode
		case 93, 94:
			return ModalGroupFeedRateMode
		case 20, 21:
			return ModalGroupUnits
		case 40, 41, 41.1, 42, 42.1:
			return ModalGroupCutterCompensationMode
		case 43, 43.1, 49:
			return ModalGroupToolLength
		case 54, 55, 56, 57, 58, 59, 59.1, 59.2, 59.3:
			return ModalGroupCoordinateSystem
		case 61, 61.1, 64:
			return ModalGroupControlMode
		}
	} else if w.W == 'M' {
		switch w.Arg {
		case 0, 1, 2, 30, 60:
			return ModalGroupStopping
		case 6:
			return ModalGroupToolChange
		case 3, 4, 5:
			return ModalGroupSpindle
		case 7, 8, 9:
			return ModalGroupCoolant
		case 48, 49, 50, 51, 52, 53:
			return ModalGroupOverride
		}
	} else if w.W == 'F' {
		return ModalGroupFeedRate
	} else if w.W == 'S' {
		return ModalGroupSpindleSpeed
	}

	return ModalGroupNone
}
