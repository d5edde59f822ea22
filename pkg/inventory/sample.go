package inventory

// SampleRegistry returns a small colony-flavored kind catalog covering
// weapons, apparel, food and medicine. Tests and local demos use it.
func SampleRegistry() *Registry {
	return NewRegistry(
		KindDetails{ID: "steel", NumericID: 1, Label: "steel", Category: "resource", Mass: 0.5, StackLimit: 75, Tags: []string{"metallic", "stuff"}},
		KindDetails{ID: "plasteel", NumericID: 2, Label: "plasteel", Category: "resource", Mass: 0.25, StackLimit: 75, Tags: []string{"metallic", "stuff"}},
		KindDetails{ID: "cloth", NumericID: 3, Label: "cloth", Category: "resource", Mass: 0.026, StackLimit: 75, Tags: []string{"fabric", "stuff"}},
		KindDetails{ID: "knife", NumericID: 4, Label: "knife", Category: "weapon", Mass: 0.5, StackLimit: 1, Tags: []string{"melee"}, HasQuality: true, MadeFromStuff: true},
		KindDetails{ID: "revolver", NumericID: 5, Label: "revolver", Category: "weapon", Mass: 1.4, StackLimit: 1, Tags: []string{"ranged"}, HasQuality: true},
		KindDetails{ID: "parka", NumericID: 6, Label: "parka", Category: "apparel", Mass: 3, StackLimit: 1, Tags: []string{"torso"}, HasQuality: true, MadeFromStuff: true},
		KindDetails{ID: "rice", NumericID: 7, Label: "raw rice", Category: "food", Mass: 0.03, StackLimit: 75, Tags: []string{"raw", "plant"}},
		KindDetails{ID: "corn", NumericID: 8, Label: "raw corn", Category: "food", Mass: 0.03, StackLimit: 75, Tags: []string{"raw", "plant"}},
		KindDetails{ID: "meat", NumericID: 9, Label: "raw meat", Category: "food", Mass: 0.03, StackLimit: 75, Tags: []string{"raw", "animal"}},
		KindDetails{ID: "meal", NumericID: 10, Label: "simple meal", Category: "food", Mass: 0.44, StackLimit: 10, Tags: []string{"meal"}},
		KindDetails{ID: "medicine", NumericID: 11, Label: "herbal medicine", Category: "medicine", Mass: 0.35, StackLimit: 25},
	)
}

// SampleInventory returns an inventory for agent "demo" carrying a knife,
// a parka, some rice and a few meals.
func SampleInventory() (*Inventory, *Registry) {
	reg := SampleRegistry()
	inv := New("inv-demo", AgentID("demo"), WithRegistry(reg), WithCapacity(35))

	knife := NewItem("knife-1", "knife", 1)
	knife.Material = "steel"
	knife.Quality = QualityGood
	knife.Condition = 0.8
	_ = inv.Add(ContainerEquipment, knife)

	parka := NewItem("parka-1", "parka", 1)
	parka.Material = "cloth"
	parka.Quality = QualityNormal
	_ = inv.Add(ContainerApparel, parka)

	_ = inv.Add(ContainerGeneral, NewItem("rice-1", "rice", 20))
	_ = inv.Add(ContainerGeneral, NewItem("meal-1", "meal", 3))

	return inv, reg
}
