package payout

func (s *Service) SetReferenceGenerator(next func() string) { s.reference = next }
