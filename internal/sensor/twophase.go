package sensor

// handleTwoPhase implements the GPU presence-and-power sensor's gating (spec
// §4.1 Design Notes): phase one always decodes presence from the response
// and stores it in the sensor's present field; phase two (power) only runs
// when that field came back true, since a power reading is meaningless for
// a GPU the device just reported absent.
func (e *Engine) handleTwoPhase(ep *endpointState, s *Sensor, data []byte) error {
	present, err := s.DecodePresence(data)
	if err != nil {
		return err
	}
	s.present = present
	if !present || s.DecodePower == nil {
		return nil
	}
	return s.DecodePower(data)
}
